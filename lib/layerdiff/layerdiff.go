// Package layerdiff implements the layer diff builder (spec §4.E): copy
// directives, an optional host-side script, and an optional containerized
// script, composed into one deterministic diff.tar plus its digest.
package layerdiff

import (
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"

	"github.com/kierdavis/stamp/lib/attrs"
	"github.com/kierdavis/stamp/lib/ocilayout"
	"github.com/kierdavis/stamp/lib/sandbox"
	"github.com/kierdavis/stamp/lib/stamperr"
	"github.com/kierdavis/stamp/lib/tarpack"
)

// UIDHandling is the tagged variant choosing how ownership is recorded and
// stamped, selected once per invocation based on the effective user id
// (spec §4.E, §9).
type UIDHandling interface {
	// Record registers a (uid, gid) pair requested by a copy directive or
	// run-on-host invocation. Homogeneous handling fails if a second,
	// different pair is ever recorded.
	Record(uid, gid uint) error
	// ChownPath applies ownership to a just-copied path. A no-op under
	// Homogeneous handling, which stamps ownership at pack time instead.
	ChownPath(path string, uid, gid uint) error
	// TarOptions returns the packing overrides (owner/group stamping,
	// numeric-owner) this handling variant requires.
	TarOptions() tarpack.Options
}

// NewUIDHandling selects Full when running as root, Homogeneous otherwise.
func NewUIDHandling() UIDHandling {
	if os.Geteuid() == 0 {
		return &fullUIDHandling{}
	}
	return &homogeneousUIDHandling{}
}

type fullUIDHandling struct{}

func (*fullUIDHandling) Record(uid, gid uint) error { return nil }

func (*fullUIDHandling) ChownPath(path string, uid, gid uint) error {
	return os.Lchown(path, int(uid), int(gid))
}

func (*fullUIDHandling) TarOptions() tarpack.Options {
	return tarpack.Options{NumericOwner: true}
}

type homogeneousUIDHandling struct {
	have    bool
	uid, gid uint
}

func (h *homogeneousUIDHandling) Record(uid, gid uint) error {
	if !h.have {
		h.uid, h.gid, h.have = uid, gid, true
		return nil
	}
	if uid != h.uid || gid != h.gid {
		return stamperr.InternalInconsistency(
			"unprivileged build requires a single (uid, gid) pair, got (%d,%d) after (%d,%d)",
			uid, gid, h.uid, h.gid)
	}
	return nil
}

func (*homogeneousUIDHandling) ChownPath(path string, uid, gid uint) error { return nil }

func (h *homogeneousUIDHandling) TarOptions() tarpack.Options {
	return tarpack.Options{
		NumericOwner:  true,
		OverrideOwner: true,
		Owner:         int(h.uid),
		Group:         int(h.gid),
	}
}

// Options configures one Build invocation.
type Options struct {
	SourceDateEpoch int64
	MaxLowerdirs    int
}

// Build executes the three build phases in fixed order (copy, host-script,
// container-script), packs the result, and writes diff.tar plus digest
// into outDir.
func Build(req attrs.LayerDiffAttrs, outDir string, opts Options) error {
	uidHandling := NewUIDHandling()

	contentDir, err := os.MkdirTemp("", "stamp-content-*")
	if err != nil {
		return fmt.Errorf("create staging directory: %w", err)
	}
	defer os.RemoveAll(contentDir)

	for _, d := range req.Copy {
		uid, gid := d.ResolvedUID(), d.ResolvedGID()
		if err := uidHandling.Record(uid, gid); err != nil {
			return err
		}
		if err := copyInto(contentDir, d, uidHandling); err != nil {
			return fmt.Errorf("copy %s -> %s: %w", d.Src, d.Dest, err)
		}
	}

	if req.RunOnHost != nil {
		uid := uintOr(req.RunOnHostUID, 0)
		gid := uid
		if req.RunOnHostGID != nil {
			gid = *req.RunOnHostGID
		}
		if err := uidHandling.Record(uid, gid); err != nil {
			return err
		}
		if err := runOnHost(*req.RunOnHost, contentDir); err != nil {
			return err
		}
	}

	if req.RunInContainer != nil {
		if err := runInContainer(req, contentDir, opts); err != nil {
			return err
		}
	}

	return pack(contentDir, outDir, opts.SourceDateEpoch, uidHandling)
}

func uintOr(p *uint, fallback uint) uint {
	if p == nil {
		return fallback
	}
	return *p
}

// copyInto copies d.Src into contentDir/d.Dest, preserving symlinks and
// mode, then applies ownership via uidHandling. securejoin.SecureJoin
// mirrors the teacher's volume-extraction idiom for "an attacker-shaped
// path must not escape a root."
func copyInto(contentDir string, d attrs.CopyDirective, uidHandling UIDHandling) error {
	dest, err := securejoin.SecureJoin(contentDir, d.Dest)
	if err != nil {
		return fmt.Errorf("resolve dest path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	if err := copyTree(d.Src, dest); err != nil {
		return err
	}
	return chownTree(dest, d.ResolvedUID(), d.ResolvedGID(), uidHandling)
}

func copyTree(src, dest string) error {
	info, err := os.Lstat(src)
	if err != nil {
		return err
	}

	if info.Mode()&os.ModeSymlink != 0 {
		target, err := os.Readlink(src)
		if err != nil {
			return err
		}
		return os.Symlink(target, dest)
	}

	if info.IsDir() {
		if err := os.MkdirAll(dest, info.Mode().Perm()); err != nil {
			return err
		}
		entries, err := os.ReadDir(src)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := copyTree(filepath.Join(src, e.Name()), filepath.Join(dest, e.Name())); err != nil {
				return err
			}
		}
		return os.Chtimes(dest, info.ModTime(), info.ModTime())
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chtimes(dest, info.ModTime(), info.ModTime())
}

func chownTree(path string, uid, gid uint, uidHandling UIDHandling) error {
	return filepath.Walk(path, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		return uidHandling.ChownPath(p, uid, gid)
	})
}

// runOnHost executes script with a shell (errexit enabled), cwd=contentDir,
// stdin=script.
func runOnHost(script, contentDir string) error {
	cmd := exec.Command("sh", "-e")
	cmd.Dir = contentDir
	cmd.Stdin = strings.NewReader(script)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return stamperr.SubprocessFailure("run-on-host script failed: %v", err)
	}
	return nil
}

// runInContainer invokes the sandbox runtime with contentDir as the
// writable upper layer and the base image's diffs (if any) as the lower
// stack.
func runInContainer(req attrs.LayerDiffAttrs, contentDir string, opts Options) error {
	var imgConfig map[string]any
	var baseDiffsDir string
	if req.RunInContainerBase != nil {
		plat, err := stamperr.CurrentPlatform()
		if err != nil {
			return err
		}
		_, config, err := ocilayout.LoadManifestAndConfig(*req.RunInContainerBase, plat)
		if err != nil {
			return err
		}
		imgConfig = config
	}
	if req.RunInContainerBaseDiffs != nil {
		baseDiffsDir = *req.RunInContainerBaseDiffs
	}

	rt := sandbox.NewRuntime(baseDiffsDir, opts.MaxLowerdirs)
	return rt.Run(sandbox.RunOptions{
		Script:    *req.RunInContainer,
		UpperDir:  contentDir,
		ImgConfig: imgConfig,
		Env:       map[string]string{"SOURCE_DATE_EPOCH": fmt.Sprintf("%d", opts.SourceDateEpoch)},
	})
}

// pack packs contentDir into outDir/diff.tar and writes outDir/digest.
func pack(contentDir, outDir string, sourceDateEpoch int64, uidHandling UIDHandling) error {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}
	tarPath := filepath.Join(outDir, "diff.tar")
	f, err := os.Create(tarPath)
	if err != nil {
		return err
	}
	defer f.Close()

	hasher := sha256.New()
	tarOpts := uidHandling.TarOptions()
	tarOpts.SourceDateEpoch = epochTime(sourceDateEpoch)

	if err := tarpack.Create(io.MultiWriter(f, hasher), contentDir, tarOpts); err != nil {
		return fmt.Errorf("pack diff.tar: %w", err)
	}

	digest := fmt.Sprintf("sha256:%x", hasher.Sum(nil))
	return os.WriteFile(filepath.Join(outDir, "digest"), []byte(digest), 0o644)
}

func epochTime(seconds int64) time.Time {
	return time.Unix(seconds, 0).UTC()
}
