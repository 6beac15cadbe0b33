// Package attrs decodes the JSON attribute record each sub-command reads
// from the file named by NIX_ATTRS_JSON_FILE (spec §6), including both
// shapes the packing planner's closureInfo field may take.
package attrs

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kierdavis/stamp/lib/packing"
)

// NewLayerRef references an externally produced layer pair (spec §3).
type NewLayerRef struct {
	BlobTarball   string `json:"blobTarball"`
	BlobDigest    string `json:"blobDigest"`
	DiffTarball   string `json:"diffTarball"`
	DiffDigest    string `json:"diffDigest"`
	BlobSizeBytes int64  `json:"blobSizeBytes"`
}

// CopyDirective is one entry of layer-diff's copy list (spec §3, §6).
type CopyDirective struct {
	Src  string `json:"src"`
	Dest string `json:"dest"`
	UID  *uint  `json:"uid,omitempty"`
	GID  *uint  `json:"gid,omitempty"`
}

// ResolvedUID returns the directive's uid, defaulting to 0.
func (c CopyDirective) ResolvedUID() uint {
	if c.UID == nil {
		return 0
	}
	return *c.UID
}

// ResolvedGID returns the directive's gid, defaulting to its resolved uid.
func (c CopyDirective) ResolvedGID() uint {
	if c.GID != nil {
		return *c.GID
	}
	return c.ResolvedUID()
}

// PackingPlanAttrs is nix-packing-plan's attribute record.
type PackingPlanAttrs struct {
	ClosureInfo     json.RawMessage `json:"closureInfo"`
	TargetLayerSize int64           `json:"targetLayerSize"`
	Outputs         struct {
		Out string `json:"out"`
	} `json:"outputs"`
}

// BuildDepGraph dispatches on closureInfo's two possible shapes: a JSON
// list of {path, narSize, closureSize, references[]} objects, or a string
// naming a directory containing a `registration` file.
func (a PackingPlanAttrs) BuildDepGraph() (*packing.DepGraph, error) {
	var entries []packing.ClosureEntry
	if err := json.Unmarshal(a.ClosureInfo, &entries); err == nil {
		return packing.NewDepGraphFromEntries(entries)
	}

	var dir string
	if err := json.Unmarshal(a.ClosureInfo, &dir); err != nil {
		return nil, fmt.Errorf("closureInfo is neither a list of entries nor a directory path: %w", err)
	}
	regPath := filepath.Join(dir, "registration")
	f, err := os.Open(regPath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", regPath, err)
	}
	defer f.Close()
	return packing.NewDepGraph(f)
}

// LayerDiffAttrs is layer-diff's attribute record.
type LayerDiffAttrs struct {
	Copy                    []CopyDirective `json:"copy"`
	RunOnHost               *string         `json:"runOnHost,omitempty"`
	RunOnHostUID            *uint           `json:"runOnHostUID,omitempty"`
	RunOnHostGID            *uint           `json:"runOnHostGID,omitempty"`
	RunInContainer          *string         `json:"runInContainer,omitempty"`
	RunInContainerBase      *string         `json:"runInContainerBase,omitempty"`
	RunInContainerBaseDiffs *string         `json:"runInContainerBaseDiffs,omitempty"`
	Outputs                 struct {
		Out string `json:"out"`
	} `json:"outputs"`
}

// EnvOverride is one (name, value) pair from patch-oci's env map. Env is
// decoded as an ordered list rather than a Go map because spec §5 requires
// overrides to be applied "in insertion order," which a map cannot
// preserve through encoding/json.
type EnvOverride struct {
	Key   string
	Value string
}

// EnvOverrides preserves the JSON object's key order across unmarshaling.
type EnvOverrides []EnvOverride

// UnmarshalJSON reads a JSON object token-by-token instead of through a Go
// map, since map iteration order is unspecified and the object's key order
// is semantically significant here.
func (e *EnvOverrides) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("env: expected a JSON object")
	}

	var out EnvOverrides
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("env: expected string key")
		}
		var value string
		if err := dec.Decode(&value); err != nil {
			return fmt.Errorf("env[%s]: %w", key, err)
		}
		out = append(out, EnvOverride{Key: key, Value: value})
	}
	*e = out
	return nil
}

// PatchOCIAttrs is patch-oci's attribute record.
type PatchOCIAttrs struct {
	Base         *string       `json:"base,omitempty"`
	AppendLayers []NewLayerRef `json:"appendLayers"`
	Env          EnvOverrides  `json:"env,omitempty"`
	Entrypoint   []string      `json:"entrypoint,omitempty"`
	Cmd          []string      `json:"cmd,omitempty"`
	WorkingDir   *string       `json:"workingDir,omitempty"`
	User         *string       `json:"user,omitempty"`
	Outputs      struct {
		Out      string `json:"out"`
		Manifest string `json:"manifest"`
		Config   string `json:"config"`
	} `json:"outputs"`
}

// PatchDiffsAttrs is patch-diffs's attribute record.
type PatchDiffsAttrs struct {
	Base         *string       `json:"base,omitempty"`
	BaseDiffs    *string       `json:"baseDiffs,omitempty"`
	AppendLayers []NewLayerRef `json:"appendLayers"`
	Outputs      struct {
		Out string `json:"out"`
	} `json:"outputs"`
}

// ExtractDiffsAttrs is extract-diffs's attribute record (supplemented, see
// SPEC_FULL.md).
type ExtractDiffsAttrs struct {
	Base    string `json:"base"`
	Outputs struct {
		Out string `json:"out"`
	} `json:"outputs"`
}

// LayerBlobAttrs is layer-blob's attribute record (supplemented).
type LayerBlobAttrs struct {
	DiffTarball string `json:"diffTarball"`
	Outputs     struct {
		Out string `json:"out"`
	} `json:"outputs"`
}

// Load reads and decodes the JSON attribute record at path into dst.
func Load(path string, dst any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read attribute record %s: %w", path, err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("unmarshal attribute record %s: %w", path, err)
	}
	return nil
}
