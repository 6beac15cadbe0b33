// Package extractdiffs implements the extract-diffs helper: walk an OCI
// index exactly like the reader (§4.A) and decompress every referenced
// gzip layer blob to its plain diff form, named by uncompressed digest.
//
// This is the decompression half of the digest+compress pipeline (§4.C) in
// isolation, exposed as its own sub-command because it is the bare
// nix-store-layer-diff path the distilled spec marks out of scope for CLI
// wiring but not for the pipeline itself.
package extractdiffs

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/kierdavis/stamp/lib/attrs"
	"github.com/kierdavis/stamp/lib/ocilayout"
	"github.com/kierdavis/stamp/lib/stamperr"
	"github.com/kierdavis/stamp/lib/tarpack"
)

// Run decompresses every gzip layer of every manifest in req.Base's index
// that matches the host platform into req.Outputs.Out/sha256/<hex>, named
// by the layer's uncompressed digest. Manifests for other platforms are
// skipped.
// in-toto attestation layers are skipped (§6's mediaType matrix).
func Run(req attrs.ExtractDiffsAttrs, workers int) error {
	plat, err := stamperr.CurrentPlatform()
	if err != nil {
		return err
	}

	refs, err := ocilayout.IterIndexRecursive(req.Base)
	if err != nil {
		return err
	}

	outRoot := filepath.Join(req.Outputs.Out, "sha256")
	if err := os.MkdirAll(outRoot, 0o755); err != nil {
		return err
	}

	for _, ref := range refs {
		if !ocilayout.MatchesPlatform(ref, plat) {
			continue
		}
		layers, err := ocilayout.IterManifestLayers(req.Base, ref)
		if err != nil {
			return err
		}
		for _, pair := range layers {
			digest, algo := pair[0], pair[1]
			if algo != "gzip" {
				continue
			}
			if err := extractOne(req.Base, outRoot, digest, workers); err != nil {
				return fmt.Errorf("extract layer %s: %w", digest, err)
			}
		}
	}
	return nil
}

func extractOne(layoutDir, outRoot, blobDigest string, workers int) error {
	blobPath, err := ocilayout.BlobPath(layoutDir, blobDigest)
	if err != nil {
		return err
	}
	in, err := os.Open(blobPath)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(outRoot, ".extract-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	result, err := tarpack.DecompressAndDigest(in, tmp, workers)
	closeErr := tmp.Close()
	if err != nil {
		return err
	}
	if closeErr != nil {
		return closeErr
	}

	finalPath := filepath.Join(outRoot, result.Digest[len("sha256:"):])
	return os.Rename(tmpPath, finalPath)
}
