// Package layerblob implements the layer-blob helper: given a diff.tar,
// produce blob.tar.gz plus its digest — the compression half of the
// digest+compress pipeline (§4.C) in isolation. The layer diff builder
// (§4.E) does not use it: that builder writes only the uncompressed
// diff.tar and its digest.
package layerblob

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/kierdavis/stamp/lib/attrs"
	"github.com/kierdavis/stamp/lib/tarpack"
)

// Run compresses req.DiffTarball into req.Outputs.Out/blob.tar.gz and
// writes req.Outputs.Out/digest (the *compressed* blob digest, spec §6's
// "Blob directory" output layout).
func Run(req attrs.LayerBlobAttrs, workers int) error {
	in, err := os.Open(req.DiffTarball)
	if err != nil {
		return fmt.Errorf("open %s: %w", req.DiffTarball, err)
	}
	defer in.Close()

	if err := os.MkdirAll(req.Outputs.Out, 0o755); err != nil {
		return err
	}
	blobPath := filepath.Join(req.Outputs.Out, "blob.tar.gz")
	out, err := os.Create(blobPath)
	if err != nil {
		return err
	}
	defer out.Close()

	_, blob, err := tarpack.CompressAndDigest(in, out, workers)
	if err != nil {
		return fmt.Errorf("compress %s: %w", req.DiffTarball, err)
	}

	return os.WriteFile(filepath.Join(req.Outputs.Out, "digest"), []byte(blob.Digest), 0o644)
}
