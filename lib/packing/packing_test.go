package packing

import (
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func registration(records ...string) string {
	return strings.Join(records, "")
}

func record(path, hash string, size int, refs ...string) string {
	s := path + "\n" + hash + "\n" + strconv.Itoa(size) + "\n\n" + strconv.Itoa(len(refs)) + "\n"
	for _, r := range refs {
		s += r + "\n"
	}
	return s
}

func TestNewDepGraph_ClosureSizes(t *testing.T) {
	reg := registration(
		record("/nix/store/leaf", "h1", 10),
		record("/nix/store/mid", "h2", 5, "/nix/store/leaf"),
		record("/nix/store/top", "h3", 1, "/nix/store/mid"),
	)
	g, err := NewDepGraph(strings.NewReader(reg))
	require.NoError(t, err)

	topID := g.pathToID["/nix/store/top"]
	require.Equal(t, int64(16), g.metas[topID].ClosureSize)
}

func TestNewDepGraph_SelfLoopStripped(t *testing.T) {
	reg := registration(
		record("/nix/store/a", "h1", 10, "/nix/store/a"),
	)
	g, err := NewDepGraph(strings.NewReader(reg))
	require.NoError(t, err)
	aID := g.pathToID["/nix/store/a"]
	require.Empty(t, g.metas[aID].Refs)
	require.Equal(t, int64(10), g.metas[aID].ClosureSize)
}

func TestPopSubtree_PullsInTransitiveRefs(t *testing.T) {
	reg := registration(
		record("/nix/store/leaf", "h1", 10),
		record("/nix/store/mid", "h2", 5, "/nix/store/leaf"),
		record("/nix/store/top", "h3", 1, "/nix/store/mid"),
	)
	g, err := NewDepGraph(strings.NewReader(reg))
	require.NoError(t, err)

	topID := g.pathToID["/nix/store/top"]
	popped, err := g.PopSubtree(topID)
	require.NoError(t, err)
	require.Len(t, popped, 3)

	var total int64
	for _, m := range popped {
		total += m.Size
	}
	require.Equal(t, int64(16), total)

	_, ok := g.BestNode(func(m *PathMeta) int64 { return m.Size })
	require.False(t, ok, "graph should be empty after popping the root subtree")
}

func TestPlan_PartitionsIntoLayersNearTarget(t *testing.T) {
	reg := registration(
		record("/nix/store/a", "h1", 40),
		record("/nix/store/b", "h2", 40),
		record("/nix/store/c", "h3", 40),
	)
	g, err := NewDepGraph(strings.NewReader(reg))
	require.NoError(t, err)

	layers, err := Plan(g, 40)
	require.NoError(t, err)
	require.Len(t, layers, 3)
	for _, l := range layers {
		require.Equal(t, int64(40), l.Size)
	}
}

func TestPlan_SealsHalfFullLayer(t *testing.T) {
	reg := registration(
		record("/nix/store/a", "h1", 60),
		record("/nix/store/b", "h2", 60),
	)
	g, err := NewDepGraph(strings.NewReader(reg))
	require.NoError(t, err)

	layers, err := Plan(g, 100)
	require.NoError(t, err)
	// first pick brings the layer to 60 >= 50 (half of 100): sealed immediately.
	require.Len(t, layers, 2)
	require.Equal(t, int64(60), layers[0].Size)
	require.Equal(t, int64(60), layers[1].Size)
}

// TestPlan_Scenario1 encodes the literal end-to-end packing scenario:
// aaa(266) references bbb(100); bbb references ccc(39); ddd(45) references
// bbb; fff(901) references eee(221) and ggg(88). targetLayerSize=500.
func TestPlan_Scenario1(t *testing.T) {
	reg := registration(
		record("/nix/store/aaa", "h", 266, "/nix/store/bbb"),
		record("/nix/store/bbb", "h", 100, "/nix/store/ccc"),
		record("/nix/store/ccc", "h", 39),
		record("/nix/store/ddd", "h", 45, "/nix/store/bbb"),
		record("/nix/store/fff", "h", 901, "/nix/store/eee", "/nix/store/ggg"),
		record("/nix/store/eee", "h", 221),
		record("/nix/store/ggg", "h", 88),
	)
	g, err := NewDepGraph(strings.NewReader(reg))
	require.NoError(t, err)

	layers, err := Plan(g, 500)
	require.NoError(t, err)
	require.Len(t, layers, 4)

	base := func(p string) string { return strings.TrimPrefix(p, "/nix/store/") }
	names := func(l Layer) []string {
		out := make([]string, len(l.Paths))
		for i, p := range l.Paths {
			out[i] = base(p)
		}
		return out
	}

	require.Equal(t, []string{"aaa", "bbb", "ccc"}, names(layers[0]))
	require.Equal(t, []string{"eee", "ggg"}, names(layers[1]))
	require.Equal(t, []string{"fff"}, names(layers[2]))
	require.Equal(t, []string{"ddd"}, names(layers[3]))
}
