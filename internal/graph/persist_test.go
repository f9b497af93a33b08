package graph

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graph.json")

	s := NewStore(zap.NewNop())
	_, _, err := s.AddFinding(testFinding("f-1"))
	require.NoError(t, err)

	s.AddNode(Node{ID: "fix:restart", Type: NodeFix, Label: "restart deployment"})
	_, err = s.AddEdge(Edge{
		From: "cause:resource_exhaustion", To: "fix:restart", Relation: RelRemediates,
		Metadata: map[string]interface{}{"success_count": float64(2), "attempt_count": float64(3)},
	})
	require.NoError(t, err)
	require.NoError(t, s.Save(path))

	loaded := Load(path, zap.NewNop())
	assert.Equal(t, s.Stats(), loaded.Stats())

	n, ok := loaded.Node("fix:restart")
	require.True(t, ok)
	assert.Equal(t, "restart deployment", n.Label)

	rels := loaded.Relationships("cause:resource_exhaustion", RelRemediates)
	require.Len(t, rels, 1)
	assert.Equal(t, float64(2), rels[0].Metadata["success_count"])

	// Finding idempotence survives restart.
	nodes, edges, err := loaded.AddFinding(testFinding("f-1"))
	require.NoError(t, err)
	assert.Zero(t, nodes)
	assert.Zero(t, edges)
}

func TestLoadMissingSnapshot(t *testing.T) {
	s := Load(filepath.Join(t.TempDir(), "nope.json"), zap.NewNop())
	require.NotNil(t, s)
	assert.Zero(t, s.Stats().Nodes)
}

func TestLoadCorruptSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graph.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	s := Load(path, zap.NewNop())
	require.NotNil(t, s)
	assert.Zero(t, s.Stats().Nodes)
}

func TestTraversalDeterministicAcrossReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graph.json")

	s := NewStore(zap.NewNop())
	for _, id := range []string{"cause:a", "cause:b", "cause:c", "cause:d"} {
		s.AddNode(Node{ID: id, Type: NodeCause})
	}
	mustEdge(t, s, "cause:a", "cause:c", RelSimilarTo)
	mustEdge(t, s, "cause:a", "cause:b", RelSimilarTo)
	mustEdge(t, s, "cause:b", "cause:d", RelSimilarTo)
	require.NoError(t, s.Save(path))

	wantPath, _ := s.Traverse("cause:a", 2, nil)

	loaded := Load(path, zap.NewNop())
	gotPath, _ := loaded.Traverse("cause:a", 2, nil)
	assert.Equal(t, wantPath, gotPath)
}
