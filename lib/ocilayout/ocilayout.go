// Package ocilayout implements the OCI index/manifest reader (spec §4.A):
// walking nested image indices, selecting the manifest for the host
// platform, and loading the manifest and config as generic JSON documents.
//
// Manifests and configs are kept as map[string]any rather than typed
// structs. This tool only ever mutates a handful of known fields (§4.G);
// everything else must survive a read-modify-write cycle byte-for-byte
// equivalent to what a human author of the original JSON would expect, and
// Go's json.Marshal already produces sorted-key, minimally-separated output
// for map[string]any, which is exactly the serialization invariant spec
// §4.G requires.
package ocilayout

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/types"

	"github.com/kierdavis/stamp/lib/stamperr"
)

// mediaTypeInToto is the attestation-layer mediaType that extract-diffs
// silently skips (spec §6's mediaType matrix).
const mediaTypeInToto types.MediaType = "application/vnd.in-toto+json"

// indexMediaTypes are the mediaTypes recognised as "this blob is an index,
// recurse into it."
var indexMediaTypes = map[types.MediaType]bool{
	types.OCIImageIndex:     true,
	types.DockerManifestList: true,
}

// manifestMediaTypes are the mediaTypes recognised as "this blob is a leaf
// manifest, yield it."
var manifestMediaTypes = map[types.MediaType]bool{
	types.OCIManifestSchema1:   true,
	types.DockerManifestSchema2: true,
}

// layerMediaTypes maps a gzip layer's mediaType to the compression
// algorithm used to produce it. Only gzip exists today (spec's non-goals
// exclude other compression formats).
var layerMediaTypes = map[types.MediaType]string{
	types.OCILayer:    "gzip",
	types.DockerLayer: "gzip",
}

// BlobPath returns the digest-path-convention location of a blob within an
// OCI layout directory: blobs/<algo>/<hex>.
func BlobPath(layoutDir, digest string) (string, error) {
	h, err := v1.NewHash(digest)
	if err != nil {
		return "", fmt.Errorf("parse digest %q: %w", digest, err)
	}
	return filepath.Join(layoutDir, "blobs", h.Algorithm, h.Hex), nil
}

// DigestToRelPath converts "sha256:<hex>" to "sha256/<hex>", the relative
// form used for diff-index symlink layouts (spec §4.G patch-diffs).
func DigestToRelPath(digest string) (string, error) {
	h, err := v1.NewHash(digest)
	if err != nil {
		return "", fmt.Errorf("parse digest %q: %w", digest, err)
	}
	return filepath.Join(h.Algorithm, h.Hex), nil
}

func readJSONObject(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", path, err)
	}
	return obj, nil
}

func mediaTypeOf(doc map[string]any) types.MediaType {
	mt, _ := doc["mediaType"].(string)
	return types.MediaType(mt)
}

// IterIndexRecursive walks index.json (or a nested index blob) and yields
// every leaf manifest reference descriptor it finds, recursing through
// nested indices. Any document with an unrecognised mediaType fails with
// an InvalidImage error naming the offending blob.
func IterIndexRecursive(layoutDir string) ([]map[string]any, error) {
	return iterIndexAt(layoutDir, filepath.Join(layoutDir, "index.json"))
}

func iterIndexAt(layoutDir, indexPath string) ([]map[string]any, error) {
	index, err := readJSONObject(indexPath)
	if err != nil {
		return nil, fmt.Errorf("read index %s: %w", indexPath, err)
	}

	if mt := mediaTypeOf(index); mt != "" && !indexMediaTypes[mt] {
		return nil, stamperr.InvalidImage("document at %s has unrecognised mediaType %q (expected an index)", indexPath, mt)
	}

	manifestsRaw, _ := index["manifests"].([]any)
	var refs []map[string]any
	for _, m := range manifestsRaw {
		ref, ok := m.(map[string]any)
		if !ok {
			return nil, stamperr.InvalidImage("index %s has a malformed manifest entry", indexPath)
		}
		mt := mediaTypeOf(ref)
		digest, _ := ref["digest"].(string)
		switch {
		case indexMediaTypes[mt]:
			nestedPath, err := BlobPath(layoutDir, digest)
			if err != nil {
				return nil, err
			}
			nested, err := iterIndexAt(layoutDir, nestedPath)
			if err != nil {
				return nil, err
			}
			refs = append(refs, nested...)
		case manifestMediaTypes[mt]:
			refs = append(refs, ref)
		default:
			return nil, stamperr.InvalidImage("blob %s referenced by index at %s has unrecognised mediaType %q", digest, indexPath, mt)
		}
	}
	return refs, nil
}

// MatchesPlatform reports whether a manifest reference descriptor's
// optional platform.architecture/platform.os fields are compatible with
// the desired platform. A missing field matches anything (spec §4.A).
func MatchesPlatform(ref map[string]any, desired stamperr.Platform) bool {
	platform, _ := ref["platform"].(map[string]any)
	arch, _ := platform["architecture"].(string)
	os, _ := platform["os"].(string)
	archOK := arch == "" || arch == desired.Arch
	osOK := os == "" || os == desired.OS
	return archOK && osOK
}

// LoadManifestAndConfig selects the single manifest reference matching
// desired, loads its manifest document, validates it, loads the referenced
// config document, and validates rootfs.type == "layers".
func LoadManifestAndConfig(layoutDir string, desired stamperr.Platform) (manifest, config map[string]any, err error) {
	refs, err := IterIndexRecursive(layoutDir)
	if err != nil {
		return nil, nil, err
	}

	var matched []map[string]any
	for _, ref := range refs {
		if MatchesPlatform(ref, desired) {
			matched = append(matched, ref)
		}
	}
	if len(matched) == 0 {
		return nil, nil, stamperr.PlatformMismatch("no manifest is suitable for desired platform %+v", desired)
	}
	if len(matched) > 1 {
		return nil, nil, stamperr.PlatformMismatch("multiple manifests are suitable for desired platform %+v", desired)
	}

	digest, _ := matched[0]["digest"].(string)
	manifestPath, err := BlobPath(layoutDir, digest)
	if err != nil {
		return nil, nil, err
	}
	manifest, err = readJSONObject(manifestPath)
	if err != nil {
		return nil, nil, fmt.Errorf("read manifest %s: %w", manifestPath, err)
	}
	if mt := mediaTypeOf(manifest); !manifestMediaTypes[mt] {
		return nil, nil, stamperr.InvalidImage("manifest %s has unrecognised mediaType: %q", manifestPath, mt)
	}

	configRef, _ := manifest["config"].(map[string]any)
	configDigest, _ := configRef["digest"].(string)
	configPath, err := BlobPath(layoutDir, configDigest)
	if err != nil {
		return nil, nil, err
	}
	config, err = readJSONObject(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("read config %s: %w", configPath, err)
	}
	rootfs, _ := config["rootfs"].(map[string]any)
	if rootfsType, _ := rootfs["type"].(string); rootfsType != "layers" {
		return nil, nil, stamperr.InvalidImage("expected rootfs.type to be \"layers\" in %s", configPath)
	}

	return manifest, config, nil
}

// IterManifestLayers yields (digest, compressionAlgo) pairs for every gzip
// layer referenced by a manifest, skipping in-toto attestation layers, and
// failing with InvalidImage on any other unrecognised layer mediaType. Used
// by the extract-diffs helper (spec §1, §6 mediaType matrix).
func IterManifestLayers(layoutDir string, manifestRef map[string]any) ([][2]string, error) {
	digest, _ := manifestRef["digest"].(string)
	manifestPath, err := BlobPath(layoutDir, digest)
	if err != nil {
		return nil, err
	}
	manifest, err := readJSONObject(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", manifestPath, err)
	}
	if mt := mediaTypeOf(manifest); !manifestMediaTypes[mt] {
		return nil, stamperr.InvalidImage("document at %s has unrecognised mediaType: %q (expected a manifest)", manifestPath, mt)
	}

	layersRaw, _ := manifest["layers"].([]any)
	var out [][2]string
	for _, l := range layersRaw {
		layer, _ := l.(map[string]any)
		mt := mediaTypeOf(layer)
		layerDigest, _ := layer["digest"].(string)
		switch {
		case layerMediaTypes[mt] != "":
			out = append(out, [2]string{layerDigest, layerMediaTypes[mt]})
		case mt == mediaTypeInToto:
			// metadata, not a diff; skip
		default:
			return nil, stamperr.InvalidImage("blob %s referenced by manifest at %s has unrecognised mediaType %q", layerDigest, manifestPath, mt)
		}
	}
	return out, nil
}
