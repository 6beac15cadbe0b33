// Package ocipatch implements the OCI patcher (spec §4.G): appending
// externally produced layers onto an optional base image, applying env,
// entrypoint, cmd, workingDir and user overrides, and writing the result
// back out as a fresh OCI image layout or diff-symlink forest.
package ocipatch

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/samber/lo"

	ispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/kierdavis/stamp/lib/attrs"
	"github.com/kierdavis/stamp/lib/ocilayout"
	"github.com/kierdavis/stamp/lib/stamperr"
)

// historyCreatedBy is recorded against every appended layer (spec §4.G
// step 2). stamptool's patcher uses the same literal marker so a history
// entry's provenance is identifiable regardless of which tool wrote it.
const historyCreatedBy = "stamp.patch"

// gzipLayerMediaType maps a manifest's own mediaType to the gzip layer
// mediaType from the same family (OCI or Docker), per spec §4.G step 2 and
// the mediaType matrix in §6.
var gzipLayerMediaType = map[string]string{
	string(ispec.MediaTypeImageManifest): string(ispec.MediaTypeImageLayerGzip),
	"application/vnd.docker.distribution.manifest.v2+json": "application/vnd.docker.image.rootfs.diff.tar.gzip",
}

// emptyManifest returns a fresh OCI manifest template: schemaVersion 2, the
// manifest's own OCI mediaType, a placeholder config descriptor (filled in
// once the config has been serialized), and no layers.
func emptyManifest() map[string]any {
	return map[string]any{
		"schemaVersion": 2,
		"mediaType":     string(ispec.MediaTypeImageManifest),
		"config": map[string]any{
			"mediaType": string(ispec.MediaTypeImageConfig),
			"digest":    "",
			"size":      int64(0),
		},
		"layers": []any{},
	}
}

// emptyConfig returns a fresh OCI config template for the host platform,
// with an empty rootfs.diff_ids and history (spec §4.G step 1).
func emptyConfig(plat stamperr.Platform) map[string]any {
	return map[string]any{
		"architecture": plat.Arch,
		"os":           plat.OS,
		"config":       map[string]any{},
		"rootfs": map[string]any{
			"type":     "layers",
			"diff_ids": []any{},
		},
		"history": []any{},
	}
}

// symlinkBlob creates outDir/blobs/sha256/<hex> -> target, replacing any
// existing entry at that path (re-patching an already-patched layout is
// idempotent at the blob-forest level).
func symlinkBlob(outDir, digest, target string) error {
	rel, err := ocilayout.DigestToRelPath(digest)
	if err != nil {
		return err
	}
	linkPath := filepath.Join(outDir, "blobs", rel)
	if err := os.MkdirAll(filepath.Dir(linkPath), 0o755); err != nil {
		return err
	}
	_ = os.Remove(linkPath)
	return os.Symlink(target, linkPath)
}

// PatchOCI implements patch-oci (spec §4.G): load or synthesize a base
// manifest/config, append req.AppendLayers in order, apply env and
// entrypoint/cmd/workingDir/user overrides, then write out the patched
// layout.
func PatchOCI(req attrs.PatchOCIAttrs) error {
	plat, err := stamperr.CurrentPlatform()
	if err != nil {
		return err
	}

	var manifest, config map[string]any
	if req.Base != nil {
		manifest, config, err = ocilayout.LoadManifestAndConfig(*req.Base, plat)
		if err != nil {
			return err
		}
		if err := symlinkExistingLayers(*req.Base, req.Outputs.Out, manifest); err != nil {
			return err
		}
		// Existing manifest/config blobs are superseded by freshly
		// serialized ones below; they are not carried into the output.
	} else {
		manifest = emptyManifest()
		config = emptyConfig(plat)
	}

	manifestMT, _ := manifest["mediaType"].(string)
	layerMT, ok := gzipLayerMediaType[manifestMT]
	if !ok {
		return stamperr.InvalidImage("manifest has unrecognised mediaType %q, no gzip layer mediaType known for it", manifestMT)
	}

	for _, ref := range req.AppendLayers {
		appendLayer(manifest, config, layerMT, ref)
		if err := symlinkBlob(req.Outputs.Out, ref.BlobDigest, ref.BlobTarball); err != nil {
			return fmt.Errorf("symlink new layer blob: %w", err)
		}
	}

	applyEnv(config, req.Env)
	applyConfigOverrides(config, req)

	if err := writeConfigAndManifest(req.Outputs.Out, req.Outputs.Config, req.Outputs.Manifest, manifest, config); err != nil {
		return err
	}
	return writeIndex(req.Outputs.Out, manifest)
}

// symlinkExistingLayers symlinks every layer blob referenced by the base
// manifest into out/blobs/sha256/, verbatim (spec §4.G step 1).
func symlinkExistingLayers(baseDir, outDir string, manifest map[string]any) error {
	layersRaw, _ := manifest["layers"].([]any)
	for _, l := range layersRaw {
		layer, _ := l.(map[string]any)
		digest, _ := layer["digest"].(string)
		if digest == "" {
			continue
		}
		src, err := ocilayout.BlobPath(baseDir, digest)
		if err != nil {
			return err
		}
		if err := symlinkBlob(outDir, digest, src); err != nil {
			return fmt.Errorf("symlink base layer blob %s: %w", digest, err)
		}
	}
	return nil
}

// appendLayer mutates manifest and config in place for one NewLayerRef
// (spec §4.G step 2).
func appendLayer(manifest, config map[string]any, layerMT string, ref attrs.NewLayerRef) {
	rootfs, _ := config["rootfs"].(map[string]any)
	diffIDs, _ := rootfs["diff_ids"].([]any)
	rootfs["diff_ids"] = append(diffIDs, ref.DiffDigest)

	history, _ := config["history"].([]any)
	config["history"] = append(history, map[string]any{"created_by": historyCreatedBy})

	layers, _ := manifest["layers"].([]any)
	manifest["layers"] = append(layers, map[string]any{
		"mediaType": layerMT,
		"digest":    ref.BlobDigest,
		"size":      ref.BlobSizeBytes,
	})
}

// applyEnv applies overrides in insertion order: each override removes any
// existing Env entry with a matching key, then appends "key=value" (spec
// §4.G step 3). An empty override list is a no-op.
func applyEnv(config map[string]any, overrides attrs.EnvOverrides) {
	if len(overrides) == 0 {
		return
	}
	cfg, _ := config["config"].(map[string]any)
	if cfg == nil {
		cfg = map[string]any{}
		config["config"] = cfg
	}
	envRaw, _ := cfg["Env"].([]any)

	env := ApplyEnv(toStringSlice(envRaw), overrides)

	out := make([]any, len(env))
	for i, v := range env {
		out[i] = v
	}
	cfg["Env"] = out
}

// ApplyEnv applies overrides to env (a list of "KEY=VALUE" strings) in
// insertion order: each override removes any existing entry whose key
// matches exactly, then appends "key=value". Exported standalone so the
// remove-then-append idempotence invariant can be tested directly against
// plain string slices.
func ApplyEnv(env []string, overrides attrs.EnvOverrides) []string {
	out := append([]string(nil), env...)
	for _, ov := range overrides {
		out = removeEnvKey(out, ov.Key)
		out = append(out, ov.Key+"="+ov.Value)
	}
	return out
}

func removeEnvKey(env []string, key string) []string {
	prefix := key + "="
	return lo.Filter(env, func(e string, _ int) bool {
		return e != key && !hasEnvPrefix(e, prefix)
	})
}

func hasEnvPrefix(entry, prefix string) bool {
	return len(entry) >= len(prefix) && entry[:len(prefix)] == prefix
}

func toStringSlice(raw []any) []string {
	return lo.FilterMap(raw, func(v any, _ int) (string, bool) {
		s, ok := v.(string)
		return s, ok
	})
}

// applyConfigOverrides applies entrypoint/cmd/workingDir/user overrides
// into config.config, leaving unset fields unchanged (spec §4.G step 4).
func applyConfigOverrides(config map[string]any, req attrs.PatchOCIAttrs) {
	cfg, _ := config["config"].(map[string]any)
	if cfg == nil {
		cfg = map[string]any{}
		config["config"] = cfg
	}
	if req.Entrypoint != nil {
		cfg["Entrypoint"] = stringsToAny(req.Entrypoint)
	}
	if req.Cmd != nil {
		cfg["Cmd"] = stringsToAny(req.Cmd)
	}
	if req.WorkingDir != nil {
		cfg["WorkingDir"] = *req.WorkingDir
	}
	if req.User != nil {
		cfg["User"] = *req.User
	}
}

func stringsToAny(ss []string) []any {
	return lo.Map(ss, func(s string, _ int) any { return s })
}

// marshalSorted serializes v with sorted keys and minimal separators.
// encoding/json already sorts map[string]any keys and emits no extraneous
// whitespace, which is exactly the reproducibility invariant spec §4.G
// requires — no separate formatting pass is needed.
func marshalSorted(v any) ([]byte, error) {
	return json.Marshal(v)
}

// writeConfigAndManifest serializes config then manifest, computing each
// one's digest from its own serialized bytes, writing them to the given
// paths, symlinking the digest-named blob to each, and patching the
// manifest's config descriptor with the fresh digest/size (spec §4.G
// step 5).
func writeConfigAndManifest(outDir, configPath, manifestPath string, manifest, config map[string]any) error {
	configBytes, err := marshalSorted(config)
	if err != nil {
		return fmt.Errorf("serialize config: %w", err)
	}
	configDigest := fmt.Sprintf("sha256:%x", sha256.Sum256(configBytes))
	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(configPath, configBytes, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := symlinkBlob(outDir, configDigest, configPath); err != nil {
		return err
	}

	configRef, _ := manifest["config"].(map[string]any)
	if configRef == nil {
		configRef = map[string]any{}
		manifest["config"] = configRef
	}
	configRef["digest"] = configDigest
	configRef["size"] = int64(len(configBytes))

	manifestBytes, err := marshalSorted(manifest)
	if err != nil {
		return fmt.Errorf("serialize manifest: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(manifestPath), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(manifestPath, manifestBytes, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	manifestDigest := fmt.Sprintf("sha256:%x", sha256.Sum256(manifestBytes))
	return symlinkBlob(outDir, manifestDigest, manifestPath)
}

// writeIndex writes out/index.json, referencing the single patched
// manifest, and out/oci-layout (spec §4.G step 6).
func writeIndex(outDir string, manifest map[string]any) error {
	manifestBytes, err := marshalSorted(manifest)
	if err != nil {
		return err
	}
	digest := fmt.Sprintf("sha256:%x", sha256.Sum256(manifestBytes))
	manifestMT, _ := manifest["mediaType"].(string)

	index := map[string]any{
		"schemaVersion": 2,
		"manifests": []any{
			map[string]any{
				"mediaType": manifestMT,
				"digest":    digest,
				"size":      int64(len(manifestBytes)),
			},
		},
	}
	indexBytes, err := marshalSorted(index)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(outDir, "index.json"), indexBytes, 0o644); err != nil {
		return fmt.Errorf("write index.json: %w", err)
	}

	layout := map[string]any{"imageLayoutVersion": ispec.ImageLayoutVersion}
	layoutBytes, err := marshalSorted(layout)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(outDir, "oci-layout"), layoutBytes, 0o644)
}

// PatchDiffs implements patch-diffs (spec §4.G): a sha256/ symlink forest
// indexed by diff digest, combining the base's existing diff ids with the
// appended layers' diff tarballs.
func PatchDiffs(req attrs.PatchDiffsAttrs) error {
	if err := os.MkdirAll(filepath.Join(req.Outputs.Out, "sha256"), 0o755); err != nil {
		return err
	}

	if req.Base != nil && req.BaseDiffs != nil {
		plat, err := stamperr.CurrentPlatform()
		if err != nil {
			return err
		}
		_, config, err := ocilayout.LoadManifestAndConfig(*req.Base, plat)
		if err != nil {
			return err
		}
		rootfs, _ := config["rootfs"].(map[string]any)
		diffIDs, _ := rootfs["diff_ids"].([]any)
		for _, d := range diffIDs {
			digest, _ := d.(string)
			if digest == "" {
				continue
			}
			rel, err := ocilayout.DigestToRelPath(digest)
			if err != nil {
				return err
			}
			src := filepath.Join(*req.BaseDiffs, rel)
			if err := symlinkDiff(req.Outputs.Out, digest, src); err != nil {
				return fmt.Errorf("symlink base diff %s: %w", digest, err)
			}
		}
	}

	for _, ref := range req.AppendLayers {
		if err := symlinkDiff(req.Outputs.Out, ref.DiffDigest, ref.DiffTarball); err != nil {
			return fmt.Errorf("symlink new diff %s: %w", ref.DiffDigest, err)
		}
	}
	return nil
}

func symlinkDiff(outDir, digest, target string) error {
	rel, err := ocilayout.DigestToRelPath(digest)
	if err != nil {
		return err
	}
	linkPath := filepath.Join(outDir, rel)
	if err := os.MkdirAll(filepath.Dir(linkPath), 0o755); err != nil {
		return err
	}
	_ = os.Remove(linkPath)
	return os.Symlink(target, linkPath)
}
