package extractdiffs

import (
	"archive/tar"
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/pgzip"
	"github.com/stretchr/testify/require"

	"github.com/kierdavis/stamp/lib/attrs"
	"github.com/kierdavis/stamp/lib/stamperr"
)

func gzipTar(t *testing.T) (compressed []byte, diffDigest string) {
	t.Helper()
	var tarBuf bytes.Buffer
	tw := tar.NewWriter(&tarBuf)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "hello.txt", Size: 5, Mode: 0o644}))
	_, err := tw.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, tw.Close())

	diffDigest = fmt.Sprintf("sha256:%x", sha256.Sum256(tarBuf.Bytes()))

	var gzBuf bytes.Buffer
	gw := pgzip.NewWriter(&gzBuf)
	_, err = gw.Write(tarBuf.Bytes())
	require.NoError(t, err)
	require.NoError(t, gw.Close())
	return gzBuf.Bytes(), diffDigest
}

func writeBlob(t *testing.T, baseDir string, data []byte) string {
	t.Helper()
	digest := fmt.Sprintf("sha256:%x", sha256.Sum256(data))
	path := filepath.Join(baseDir, "blobs", "sha256", digest[len("sha256:"):])
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return digest
}

// TestRun_DecompressesGzipLayerAndSkipsInToto builds a single-manifest
// layout with one gzip layer plus an in-toto attestation layer, and checks
// only the gzip layer gets decompressed, named by its uncompressed digest.
func TestRun_DecompressesGzipLayerAndSkipsInToto(t *testing.T) {
	plat, err := stamperr.CurrentPlatform()
	if err != nil {
		t.Skip("unsupported host platform")
	}

	baseDir := t.TempDir()
	gz, wantDiffDigest := gzipTar(t)
	layerDigest := writeBlob(t, baseDir, gz)
	inTotoDigest := writeBlob(t, baseDir, []byte(`{"predicateType":"mock"}`))

	manifest := map[string]any{
		"schemaVersion": 2,
		"mediaType":     "application/vnd.oci.image.manifest.v1+json",
		"config": map[string]any{
			"mediaType": "application/vnd.oci.image.config.v1+json",
			"digest":    "sha256:" + fmt.Sprintf("%064d", 9),
			"size":      0,
		},
		"layers": []any{
			map[string]any{"mediaType": "application/vnd.oci.image.layer.v1.tar+gzip", "digest": layerDigest, "size": len(gz)},
			map[string]any{"mediaType": "application/vnd.in-toto+json", "digest": inTotoDigest, "size": 10},
		},
	}
	manifestBytes, err := json.Marshal(manifest)
	require.NoError(t, err)
	manifestDigest := writeBlob(t, baseDir, manifestBytes)

	index := map[string]any{
		"schemaVersion": 2,
		"manifests": []any{
			map[string]any{
				"mediaType": "application/vnd.oci.image.manifest.v1+json",
				"digest":    manifestDigest,
				"size":      len(manifestBytes),
				"platform":  map[string]any{"architecture": plat.Arch, "os": plat.OS},
			},
		},
	}
	indexBytes, err := json.Marshal(index)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(baseDir, "index.json"), indexBytes, 0o644))

	outDir := t.TempDir()
	req := attrs.ExtractDiffsAttrs{Base: baseDir}
	req.Outputs.Out = outDir

	require.NoError(t, Run(req, 1))

	hex := wantDiffDigest[len("sha256:"):]
	data, err := os.ReadFile(filepath.Join(outDir, "sha256", hex))
	require.NoError(t, err)

	var gotTar bytes.Buffer
	tw := tar.NewWriter(&gotTar)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "hello.txt", Size: 5, Mode: 0o644}))
	_, err = tw.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.Equal(t, gotTar.Bytes(), data)

	entries, err := os.ReadDir(filepath.Join(outDir, "sha256"))
	require.NoError(t, err)
	require.Len(t, entries, 1, "in-toto layer must not be extracted")
}
