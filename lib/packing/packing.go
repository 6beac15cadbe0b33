// Package packing implements the layer packing planner (spec §4.D): given
// a store closure's dependency graph, greedily partitions it into layers
// close to a target byte size by repeatedly popping the best-fit subtree.
package packing

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
)

// PathMeta describes one node in a store closure's dependency graph.
type PathMeta struct {
	Path        string
	Hash        string
	Size        int64
	ClosureSize int64
	Refs        []int // ids into DepGraph.metas
}

// DepGraph is a mutable dependency graph of store paths. Popping nodes out
// of it (via PopSubtree) tombstones them in place; popped ids are never
// reused.
type DepGraph struct {
	metas    []*PathMeta // nil entries are tombstoned (popped)
	pathToID map[string]int
}

type rawRecord struct {
	path string
	hash string
	size int64
	refs []string
}

// parseRegistration reads the `nix-store --register-validity`-style
// registration format: repeated records of
//
//	<path>
//	<hash>
//	<size>
//	<blank line>
//	<n_refs>
//	<ref path> * n_refs
func parseRegistration(r io.Reader) ([]rawRecord, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)

	next := func() (string, bool) {
		if sc.Scan() {
			return sc.Text(), true
		}
		return "", false
	}

	var records []rawRecord
	for {
		path, ok := next()
		if !ok {
			break
		}
		if path == "" {
			continue
		}
		hash, ok := next()
		if !ok {
			return nil, fmt.Errorf("registration: truncated record for %s (missing hash)", path)
		}
		sizeLine, ok := next()
		if !ok {
			return nil, fmt.Errorf("registration: truncated record for %s (missing size)", path)
		}
		size, err := strconv.ParseInt(sizeLine, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("registration: bad size for %s: %w", path, err)
		}
		blank, ok := next()
		if !ok || blank != "" {
			return nil, fmt.Errorf("registration: expected blank line after size for %s", path)
		}
		nRefsLine, ok := next()
		if !ok {
			return nil, fmt.Errorf("registration: truncated record for %s (missing ref count)", path)
		}
		nRefs, err := strconv.Atoi(nRefsLine)
		if err != nil {
			return nil, fmt.Errorf("registration: bad ref count for %s: %w", path, err)
		}
		refs := make([]string, nRefs)
		for i := 0; i < nRefs; i++ {
			refPath, ok := next()
			if !ok {
				return nil, fmt.Errorf("registration: truncated ref list for %s", path)
			}
			refs[i] = refPath
		}
		records = append(records, rawRecord{path: path, hash: hash, size: size, refs: refs})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// NewDepGraph builds a DepGraph from a registration-format reader.
func NewDepGraph(r io.Reader) (*DepGraph, error) {
	records, err := parseRegistration(r)
	if err != nil {
		return nil, fmt.Errorf("parse registration: %w", err)
	}
	return buildDepGraph(records)
}

// ClosureEntry is one node of the JSON-list closureInfo shape (spec §6):
// {path, narSize, closureSize, references[]}. ClosureSize is accepted for
// shape compatibility but not trusted — it is a derived attribute and is
// always recomputed, per spec §3's PathMeta invariant.
type ClosureEntry struct {
	Path        string   `json:"path"`
	NarSize     int64    `json:"narSize"`
	ClosureSize int64    `json:"closureSize"`
	References  []string `json:"references"`
}

// NewDepGraphFromEntries builds a DepGraph from the JSON-list closureInfo
// shape, the alternative to the registration-file-directory shape.
func NewDepGraphFromEntries(entries []ClosureEntry) (*DepGraph, error) {
	records := make([]rawRecord, len(entries))
	for i, e := range entries {
		records[i] = rawRecord{path: e.Path, size: e.NarSize, refs: e.References}
	}
	return buildDepGraph(records)
}

// buildDepGraph is shared by both closureInfo shapes. A reference from a
// path to itself is stripped with a warning logged, rather than failing
// construction (a store path that nominally closes over itself is a
// closure-info quirk, not a reason to abort the build).
func buildDepGraph(records []rawRecord) (*DepGraph, error) {
	pathToID := make(map[string]int, len(records))
	for i, rec := range records {
		pathToID[rec.path] = i
	}

	metas := make([]*PathMeta, len(records))
	for i, rec := range records {
		refs := make([]int, 0, len(rec.refs))
		for _, refPath := range rec.refs {
			refID, ok := pathToID[refPath]
			if !ok {
				return nil, fmt.Errorf("closure info: %s references unknown path %s", rec.path, refPath)
			}
			if refID == i {
				slog.Warn("dependency graph: dropping self-reference", "path", rec.path)
				continue
			}
			refs = append(refs, refID)
		}
		metas[i] = &PathMeta{Path: rec.path, Hash: rec.hash, Size: rec.size, Refs: refs}
	}

	g := &DepGraph{metas: metas, pathToID: pathToID}
	if err := g.recomputeClosureSizes(); err != nil {
		return nil, err
	}
	return g, nil
}

// topoOrderDepsFirst returns live node ids in an order where every node
// appears after all of its refs (Kahn's algorithm, ties broken by id for
// determinism).
func (g *DepGraph) topoOrderDepsFirst() ([]int, error) {
	pending := make(map[int]int) // id -> number of unresolved refs
	dependents := make(map[int][]int)
	for id, m := range g.metas {
		if m == nil {
			continue
		}
		pending[id] = len(m.Refs)
		for _, ref := range m.Refs {
			dependents[ref] = append(dependents[ref], id)
		}
	}

	var ready []int
	for id, n := range pending {
		if n == 0 {
			ready = append(ready, id)
		}
	}

	var order []int
	for len(ready) > 0 {
		sort.Ints(ready)
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		delete(pending, id)
		for _, dep := range dependents[id] {
			pending[dep]--
			if pending[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}
	if remaining := len(pending); remaining > 0 {
		return nil, fmt.Errorf("dependency graph has a cycle among %d node(s)", remaining)
	}
	return order, nil
}

func (g *DepGraph) recomputeClosureSizes() error {
	order, err := g.topoOrderDepsFirst()
	if err != nil {
		return err
	}
	for _, id := range order {
		m := g.metas[id]
		closure := m.Size
		for _, ref := range m.Refs {
			closure += g.metas[ref].ClosureSize
		}
		m.ClosureSize = closure
	}
	return nil
}

// BestNode returns the live node id minimising minimise(meta), breaking
// ties by the smallest id for determinism. Returns ok=false if the graph
// has no live nodes.
func (g *DepGraph) BestNode(minimise func(*PathMeta) int64) (id int, ok bool) {
	best := int64(0)
	found := false
	for i, m := range g.metas {
		if m == nil {
			continue
		}
		v := minimise(m)
		if !found || v < best {
			best, id, found = v, i, true
		}
	}
	return id, found
}

// PopSubtree removes rootID and everything it transitively references,
// tombstoning each in the graph and recomputing closure sizes for what
// remains. Returns the popped metas.
func (g *DepGraph) PopSubtree(rootID int) ([]*PathMeta, error) {
	order, err := g.topoOrderDepsFirst()
	if err != nil {
		return nil, err
	}
	// reverse: node before its refs, so a forward scan unions refs in as
	// we encounter each already-selected node.
	selected := map[int]bool{rootID: true}
	for i := len(order) - 1; i >= 0; i-- {
		id := order[i]
		if !selected[id] {
			continue
		}
		for _, ref := range g.metas[id].Refs {
			selected[ref] = true
		}
	}

	ids := make([]int, 0, len(selected))
	for id := range selected {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return g.pop(ids...)
}

func (g *DepGraph) pop(ids ...int) ([]*PathMeta, error) {
	popSet := make(map[int]bool, len(ids))
	for _, id := range ids {
		popSet[id] = true
	}

	popped := make([]*PathMeta, 0, len(ids))
	for _, id := range ids {
		popped = append(popped, g.metas[id])
		g.metas[id] = nil
	}
	for _, m := range g.metas {
		if m == nil {
			continue
		}
		kept := m.Refs[:0:0]
		for _, ref := range m.Refs {
			if !popSet[ref] {
				kept = append(kept, ref)
			}
		}
		m.Refs = kept
	}
	if err := g.recomputeClosureSizes(); err != nil {
		return nil, err
	}
	return popped, nil
}

// Layer is one packed tar layer: an unordered set of store path roots, kept
// sorted for deterministic output.
type Layer struct {
	Paths []string
	Size  int64
}

// IsEmpty reports whether the layer has no paths.
func (l *Layer) IsEmpty() bool { return len(l.Paths) == 0 }

func abs64(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}

// Plan partitions every live node of g into layers close to targetSize
// bytes, by repeatedly picking the live node whose closure size is
// closest to the remaining space in the current layer, popping its whole
// subtree into that layer, and sealing the layer once it is at least half
// full. The final (possibly under-full) layer is always emitted if
// non-empty.
func Plan(g *DepGraph, targetSize int64) ([]Layer, error) {
	if targetSize <= 0 {
		return nil, fmt.Errorf("packing: target layer size must be positive, got %d", targetSize)
	}

	var layers []Layer
	current := Layer{}

	for {
		availSpace := targetSize - current.Size
		id, ok := g.BestNode(func(m *PathMeta) int64 {
			return abs64(m.ClosureSize - availSpace)
		})
		if !ok {
			break
		}

		popped, err := g.PopSubtree(id)
		if err != nil {
			return nil, err
		}
		for _, m := range popped {
			current.Paths = append(current.Paths, m.Path)
			current.Size += m.Size
		}

		if current.Size >= targetSize/2 {
			sort.Strings(current.Paths)
			layers = append(layers, current)
			current = Layer{}
		}
	}

	if !current.IsEmpty() {
		sort.Strings(current.Paths)
		layers = append(layers, current)
	}
	return layers, nil
}

// WriteLayers writes each layer to outDir/0000, outDir/0001, … as a
// newline-terminated, already-sorted list of paths (spec §6 output layout).
func WriteLayers(outDir string, layers []Layer) error {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}
	for i, l := range layers {
		name := fmt.Sprintf("%04d", i)
		path := filepath.Join(outDir, name)
		var buf bytes.Buffer
		for _, p := range l.Paths {
			buf.WriteString(p)
			buf.WriteByte('\n')
		}
		if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
			return fmt.Errorf("write layer file %s: %w", path, err)
		}
	}
	return nil
}
