package ocilayout

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kierdavis/stamp/lib/stamperr"
)

func writeJSONBlob(t *testing.T, layoutDir string, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	digest := fmt.Sprintf("sha256:%x", sha256.Sum256(data))
	path := filepath.Join(layoutDir, "blobs", "sha256", digest[len("sha256:"):])
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return digest
}

// buildLayout writes a nested index -> leaf manifest -> config layout, one
// amd64/linux manifest and one arm64/linux manifest, plus a gzip layer and
// an in-toto attestation layer on the amd64 manifest.
func buildLayout(t *testing.T) (dir, amd64ManifestDigest, layerDigest, inTotoDigest string) {
	t.Helper()
	dir = t.TempDir()

	config := map[string]any{
		"architecture": "amd64",
		"os":           "linux",
		"rootfs":       map[string]any{"type": "layers", "diff_ids": []any{}},
	}
	configDigest := writeJSONBlob(t, dir, config)

	layerDigest = writeJSONBlob(t, dir, "layer-bytes-placeholder")
	inTotoDigest = writeJSONBlob(t, dir, map[string]any{"predicateType": "mock"})

	amd64Manifest := map[string]any{
		"schemaVersion": 2,
		"mediaType":     "application/vnd.oci.image.manifest.v1+json",
		"config":        map[string]any{"mediaType": "application/vnd.oci.image.config.v1+json", "digest": configDigest, "size": 1},
		"layers": []any{
			map[string]any{"mediaType": "application/vnd.oci.image.layer.v1.tar+gzip", "digest": layerDigest, "size": 1},
			map[string]any{"mediaType": "application/vnd.in-toto+json", "digest": inTotoDigest, "size": 1},
		},
	}
	amd64ManifestDigest = writeJSONBlob(t, dir, amd64Manifest)

	armConfig := map[string]any{
		"architecture": "arm64",
		"os":           "linux",
		"rootfs":       map[string]any{"type": "layers", "diff_ids": []any{}},
	}
	armConfigDigest := writeJSONBlob(t, dir, armConfig)
	armManifest := map[string]any{
		"schemaVersion": 2,
		"mediaType":     "application/vnd.oci.image.manifest.v1+json",
		"config":        map[string]any{"mediaType": "application/vnd.oci.image.config.v1+json", "digest": armConfigDigest, "size": 1},
		"layers":        []any{},
	}
	armManifestDigest := writeJSONBlob(t, dir, armManifest)

	nestedIndex := map[string]any{
		"schemaVersion": 2,
		"mediaType":     "application/vnd.oci.image.index.v1+json",
		"manifests": []any{
			map[string]any{
				"mediaType": "application/vnd.oci.image.manifest.v1+json",
				"digest":    armManifestDigest,
				"size":      1,
				"platform":  map[string]any{"architecture": "arm64", "os": "linux"},
			},
		},
	}
	nestedIndexDigest := writeJSONBlob(t, dir, nestedIndex)

	topIndex := map[string]any{
		"schemaVersion": 2,
		"manifests": []any{
			map[string]any{
				"mediaType": "application/vnd.oci.image.manifest.v1+json",
				"digest":    amd64ManifestDigest,
				"size":      1,
				"platform":  map[string]any{"architecture": "amd64", "os": "linux"},
			},
			map[string]any{
				"mediaType": "application/vnd.oci.image.index.v1+json",
				"digest":    nestedIndexDigest,
				"size":      1,
			},
		},
	}
	indexBytes, err := json.Marshal(topIndex)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.json"), indexBytes, 0o644))

	return dir, amd64ManifestDigest, layerDigest, inTotoDigest
}

func TestIterIndexRecursive_WalksNestedIndex(t *testing.T) {
	dir, amd64Digest, _, _ := buildLayout(t)

	refs, err := IterIndexRecursive(dir)
	require.NoError(t, err)
	require.Len(t, refs, 2)

	var digests []string
	for _, r := range refs {
		d, _ := r["digest"].(string)
		digests = append(digests, d)
	}
	require.Contains(t, digests, amd64Digest)
}

func TestLoadManifestAndConfig_SelectsSinglePlatformMatch(t *testing.T) {
	dir, amd64Digest, _, _ := buildLayout(t)

	manifest, config, err := LoadManifestAndConfig(dir, stamperr.Platform{Arch: "amd64", OS: "linux"})
	require.NoError(t, err)
	require.Equal(t, "amd64", config["architecture"])

	refs, err := IterIndexRecursive(dir)
	require.NoError(t, err)
	var found bool
	for _, r := range refs {
		if r["digest"] == amd64Digest {
			found = true
		}
	}
	require.True(t, found)
	require.Equal(t, "application/vnd.oci.image.manifest.v1+json", manifest["mediaType"])
}

func TestLoadManifestAndConfig_NoMatchIsPlatformMismatch(t *testing.T) {
	dir, _, _, _ := buildLayout(t)

	_, _, err := LoadManifestAndConfig(dir, stamperr.Platform{Arch: "riscv64", OS: "linux"})
	require.Error(t, err)
	var target *stamperr.Error
	require.ErrorAs(t, err, &target)
	require.Equal(t, stamperr.KindPlatformMismatch, target.Kind)
}

func TestIterManifestLayers_SkipsInToto(t *testing.T) {
	dir, amd64Digest, layerDigest, inTotoDigest := buildLayout(t)

	layers, err := IterManifestLayers(dir, map[string]any{"digest": amd64Digest})
	require.NoError(t, err)
	require.Len(t, layers, 1)
	require.Equal(t, layerDigest, layers[0][0])
	require.Equal(t, "gzip", layers[0][1])
	require.NotEqual(t, inTotoDigest, layers[0][0])
}

func TestMatchesPlatform_MissingFieldMatchesAnything(t *testing.T) {
	ref := map[string]any{"digest": "sha256:x"}
	require.True(t, MatchesPlatform(ref, stamperr.Platform{Arch: "amd64", OS: "linux"}))
}
