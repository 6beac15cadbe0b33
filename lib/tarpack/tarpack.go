// Package tarpack implements the deterministic tar writer (spec §4.B) and
// the digest+compress/decompress pipeline (§4.C) shared by the layer diff
// builder, the extract-diffs helper, and the layer-blob helper.
package tarpack

import (
	"archive/tar"
	"crypto/sha256"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/klauspost/pgzip"
)

// Entry is one file, directory, or symlink to place into a tar archive at a
// path rewritten to destPrefix/relative-path-under-srcRoot.
type Entry struct {
	// SrcPath is the absolute on-disk path to copy from.
	SrcPath string
	// DestPath is the path to record in the tar archive (already prefixed
	// if this entry came from an Append-mode directive's path rewrite).
	DestPath string
}

// Options controls the deterministic knobs every tar write shares.
type Options struct {
	// SourceDateEpoch is stamped as every entry's mtime, per the Nix
	// reproducible-build convention.
	SourceDateEpoch time.Time
	// NumericOwner, when true, ignores the OS-reported symbolic
	// user/group names and writes UID/GID numerically (the Homogeneous
	// UID handling variant always sets this).
	NumericOwner bool
	// Owner and Group override every entry's numeric uid/gid. Ignored
	// (falls back to the on-disk owner) unless OverrideOwner is true.
	OverrideOwner  bool
	Owner, Group   int
}

// Create walks srcRoot and writes every regular file, directory, and
// symlink beneath it into w, in sorted-by-name order, with fixed mtimes and
// (optionally) fixed ownership. Mirrors stamptool's `tar --create
// --sort=name --mtime=@SOURCE_DATE_EPOCH`.
func Create(w io.Writer, srcRoot string, opts Options) error {
	tw := tar.NewWriter(w)
	defer tw.Close()

	var entries []string
	err := filepath.WalkDir(srcRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == srcRoot {
			return nil
		}
		entries = append(entries, path)
		return nil
	})
	if err != nil {
		return fmt.Errorf("walk %s: %w", srcRoot, err)
	}
	sort.Strings(entries)

	for _, path := range entries {
		rel, err := filepath.Rel(srcRoot, path)
		if err != nil {
			return err
		}
		if err := writeEntry(tw, path, rel, opts); err != nil {
			return fmt.Errorf("add %s: %w", path, err)
		}
	}
	return tw.Close()
}

// Append writes exactly the given entries (already path-resolved and
// prefix-rewritten by the caller) into w, in sorted-by-DestPath order.
// Mirrors stamptool's layer.py repeated `tar --append --transform=s|src|dest|`
// invocations, but as a single archive.
func Append(w io.Writer, entries []Entry, opts Options) error {
	sorted := append([]Entry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].DestPath < sorted[j].DestPath })

	tw := tar.NewWriter(w)
	defer tw.Close()
	for _, e := range sorted {
		if err := writeEntry(tw, e.SrcPath, e.DestPath, opts); err != nil {
			return fmt.Errorf("add %s -> %s: %w", e.SrcPath, e.DestPath, err)
		}
	}
	return tw.Close()
}

func writeEntry(tw *tar.Writer, srcPath, destPath string, opts Options) error {
	info, err := os.Lstat(srcPath)
	if err != nil {
		return err
	}

	var link string
	if info.Mode()&os.ModeSymlink != 0 {
		link, err = os.Readlink(srcPath)
		if err != nil {
			return err
		}
	}

	hdr, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return err
	}
	hdr.Name = filepath.ToSlash(destPath)
	if info.IsDir() && hdr.Name[len(hdr.Name)-1] != '/' {
		hdr.Name += "/"
	}
	hdr.ModTime = opts.SourceDateEpoch
	hdr.AccessTime = time.Time{}
	hdr.ChangeTime = time.Time{}

	if opts.OverrideOwner {
		hdr.Uid = opts.Owner
		hdr.Gid = opts.Group
	}
	if opts.NumericOwner {
		hdr.Uname = ""
		hdr.Gname = ""
	}

	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if info.Mode().IsRegular() {
		f, err := os.Open(srcPath)
		if err != nil {
			return err
		}
		defer f.Close()
		if _, err := io.Copy(tw, f); err != nil {
			return err
		}
	}
	return nil
}

// DigestResult carries the sha256 digest (in "sha256:<hex>" form) and byte
// length of whatever was written.
type DigestResult struct {
	Digest string
	Size   int64
}

// CompressAndDigest reads an uncompressed tar from r, writes its gzip
// compression to blobOut, and returns the digest/size of both the
// uncompressed ("diff") and compressed ("blob") forms. workers controls
// pgzip's parallelism, taken from NIX_BUILD_CORES. Mirrors stamptool's
// three-process `tee | sha256sum` / `pigz | tee | sha256sum` pipelines,
// collapsed into one pass since Go can tee in-process.
func CompressAndDigest(r io.Reader, blobOut io.Writer, workers int) (diff, blob DigestResult, err error) {
	diffHasher := sha256.New()
	diffCounter := &countingWriter{}

	blobHasher := sha256.New()
	blobCounter := &countingWriter{}

	gw, err := pgzip.NewWriterLevel(io.MultiWriter(blobOut, blobHasher, blobCounter), pgzip.DefaultCompression)
	if err != nil {
		return DigestResult{}, DigestResult{}, fmt.Errorf("create gzip writer: %w", err)
	}
	if err := gw.SetConcurrency(1<<20, max(1, workers)); err != nil {
		return DigestResult{}, DigestResult{}, fmt.Errorf("set gzip concurrency: %w", err)
	}
	gw.Name = ""
	gw.ModTime = time.Time{}

	if _, err := io.Copy(io.MultiWriter(diffHasher, diffCounter, gw), r); err != nil {
		return DigestResult{}, DigestResult{}, fmt.Errorf("compress: %w", err)
	}
	if err := gw.Close(); err != nil {
		return DigestResult{}, DigestResult{}, fmt.Errorf("close gzip writer: %w", err)
	}

	diff = DigestResult{Digest: "sha256:" + fmt.Sprintf("%x", diffHasher.Sum(nil)), Size: diffCounter.n}
	blob = DigestResult{Digest: "sha256:" + fmt.Sprintf("%x", blobHasher.Sum(nil)), Size: blobCounter.n}
	return diff, blob, nil
}

// DecompressAndDigest reads a gzip-compressed layer from r, writes its
// decompression to diffOut, and returns the digest/size of the uncompressed
// form. Mirrors stamptool's `unpigz | tee | sha256sum` pipeline (used by
// extract-diffs).
func DecompressAndDigest(r io.Reader, diffOut io.Writer, workers int) (DigestResult, error) {
	gr, err := pgzip.NewReader(r)
	if err != nil {
		return DigestResult{}, fmt.Errorf("open gzip reader: %w", err)
	}
	defer gr.Close()

	hasher := sha256.New()
	counter := &countingWriter{}
	if _, err := io.Copy(io.MultiWriter(diffOut, hasher, counter), gr); err != nil {
		return DigestResult{}, fmt.Errorf("decompress: %w", err)
	}
	return DigestResult{Digest: "sha256:" + fmt.Sprintf("%x", hasher.Sum(nil)), Size: counter.n}, nil
}

type countingWriter struct{ n int64 }

func (c *countingWriter) Write(p []byte) (int, error) {
	c.n += int64(len(p))
	return len(p), nil
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
