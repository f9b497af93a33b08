package graph

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testFinding(id string) Finding {
	return Finding{
		ID:          id,
		EntityID:    "api-1",
		Description: "container killed: out of memory",
		Severity:    "critical",
		Pattern:     "resource_exhaustion",
		ToolName:    "podwatch",
		DetectedAt:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestAddFinding(t *testing.T) {
	s := NewStore(zap.NewNop())

	nodes, edges, err := s.AddFinding(testFinding("f-1"))
	require.NoError(t, err)

	// entity, cause, category, tool
	assert.Equal(t, 4, nodes)
	// instance_of, found_in, detected_by
	assert.Equal(t, 3, edges)

	_, ok := s.Node("cause:resource_exhaustion")
	assert.True(t, ok)
	_, ok = s.Node("entity:api-1")
	assert.True(t, ok)
	_, ok = s.Node("tool:podwatch")
	assert.True(t, ok)
}

func TestAddFindingIdempotent(t *testing.T) {
	s := NewStore(zap.NewNop())

	_, _, err := s.AddFinding(testFinding("f-1"))
	require.NoError(t, err)
	before := s.Stats()

	nodes, edges, err := s.AddFinding(testFinding("f-1"))
	require.NoError(t, err)
	assert.Zero(t, nodes)
	assert.Zero(t, edges)
	assert.Equal(t, before, s.Stats())
}

func TestAddFindingSecondEntitySharesCause(t *testing.T) {
	s := NewStore(zap.NewNop())

	_, _, err := s.AddFinding(testFinding("f-1"))
	require.NoError(t, err)

	f2 := testFinding("f-2")
	f2.EntityID = "api-2"
	nodes, edges, err := s.AddFinding(f2)
	require.NoError(t, err)

	// Only the new entity node and its found_in edge are added.
	assert.Equal(t, 1, nodes)
	assert.Equal(t, 1, edges)
}

func TestAddFindingValidation(t *testing.T) {
	s := NewStore(zap.NewNop())

	_, _, err := s.AddFinding(Finding{EntityID: "api-1"})
	assert.Error(t, err)

	_, _, err = s.AddFinding(Finding{ID: "f-1"})
	assert.Error(t, err)
}

func TestFindNodes(t *testing.T) {
	s := NewStore(zap.NewNop())
	_, _, err := s.AddFinding(testFinding("f-1"))
	require.NoError(t, err)

	tests := []struct {
		name  string
		query string
		want  int
	}{
		{name: "matches id substring", query: "resource_exh", want: 2}, // cause + category
		{name: "case insensitive", query: "RESOURCE_EXHAUSTION", want: 2},
		{name: "matches attribute value", query: "out of memory", want: 1},
		{name: "matches entity label", query: "api-1", want: 1},
		{name: "no match", query: "does-not-exist", want: 0},
		{name: "empty query", query: "", want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Len(t, s.FindNodes(tt.query), tt.want)
		})
	}
}

func TestInstanceOfInvariant(t *testing.T) {
	s := NewStore(zap.NewNop())
	s.AddNode(Node{ID: "fix:restart", Type: NodeFix, Label: "restart"})
	s.AddNode(Node{ID: "category:crash", Type: NodeCategory, Label: "crash"})
	s.AddNode(Node{ID: "cause:oom", Type: NodeCause, Label: "oom"})

	_, err := s.AddEdge(Edge{From: "fix:restart", To: "category:crash", Relation: RelInstanceOf})
	assert.ErrorIs(t, err, ErrInvalidEdge)

	_, err = s.AddEdge(Edge{From: "cause:oom", To: "fix:restart", Relation: RelInstanceOf})
	assert.ErrorIs(t, err, ErrInvalidEdge)

	added, err := s.AddEdge(Edge{From: "cause:oom", To: "category:crash", Relation: RelInstanceOf})
	require.NoError(t, err)
	assert.True(t, added)
}

func TestDuplicateEdgeCollapsed(t *testing.T) {
	s := NewStore(zap.NewNop())
	s.AddNode(Node{ID: "cause:oom", Type: NodeCause})
	s.AddNode(Node{ID: "fix:restart", Type: NodeFix})

	added, err := s.AddEdge(Edge{From: "cause:oom", To: "fix:restart", Relation: RelRemediates})
	require.NoError(t, err)
	assert.True(t, added)

	added, err = s.AddEdge(Edge{From: "cause:oom", To: "fix:restart", Relation: RelRemediates})
	require.NoError(t, err)
	assert.False(t, added)

	// A different relation between the same pair is a distinct edge.
	added, err = s.AddEdge(Edge{From: "cause:oom", To: "fix:restart", Relation: RelSimilarTo})
	require.NoError(t, err)
	assert.True(t, added)
}

func TestTraverseTerminatesOnCycle(t *testing.T) {
	s := NewStore(zap.NewNop())
	for _, id := range []string{"cause:a", "cause:b", "cause:c"} {
		s.AddNode(Node{ID: id, Type: NodeCause})
	}
	mustEdge(t, s, "cause:a", "cause:b", RelSimilarTo)
	mustEdge(t, s, "cause:b", "cause:c", RelSimilarTo)
	mustEdge(t, s, "cause:c", "cause:a", RelSimilarTo)

	path, nodes := s.Traverse("cause:a", 2, []Relation{RelSimilarTo})
	assert.Equal(t, []string{"cause:a", "cause:b", "cause:c"}, path)
	assert.Len(t, nodes, 3)

	// Each node is visited at most once even with unbounded-looking depth.
	path, _ = s.Traverse("cause:a", 100, nil)
	seen := map[string]int{}
	for _, id := range path {
		seen[id]++
	}
	for id, count := range seen {
		assert.Equal(t, 1, count, "node %s visited more than once", id)
	}
}

func TestTraverseDepthBound(t *testing.T) {
	s := NewStore(zap.NewNop())
	for i := 0; i < 5; i++ {
		s.AddNode(Node{ID: fmt.Sprintf("cause:n%d", i), Type: NodeCause})
	}
	for i := 0; i < 4; i++ {
		mustEdge(t, s, fmt.Sprintf("cause:n%d", i), fmt.Sprintf("cause:n%d", i+1), RelSimilarTo)
	}

	path, _ := s.Traverse("cause:n0", 2, nil)
	assert.Equal(t, []string{"cause:n0", "cause:n1", "cause:n2"}, path)

	// Non-positive depth falls back to the default.
	path, _ = s.Traverse("cause:n0", 0, nil)
	assert.Len(t, path, DefaultTraverseDepth+1)
}

func TestTraverseRelationFilter(t *testing.T) {
	s := NewStore(zap.NewNop())
	s.AddNode(Node{ID: "cause:oom", Type: NodeCause})
	s.AddNode(Node{ID: "fix:restart", Type: NodeFix})
	s.AddNode(Node{ID: "tool:podwatch", Type: NodeTool})
	mustEdge(t, s, "cause:oom", "fix:restart", RelSimilarTo)
	mustEdge(t, s, "cause:oom", "tool:podwatch", RelDetectedBy)

	path, _ := s.Traverse("cause:oom", 2, []Relation{RelDetectedBy})
	assert.Equal(t, []string{"cause:oom", "tool:podwatch"}, path)
}

func TestTraverseUnknownStart(t *testing.T) {
	s := NewStore(zap.NewNop())
	path, nodes := s.Traverse("cause:missing", 2, nil)
	assert.Nil(t, path)
	assert.Nil(t, nodes)
}

func TestRelationships(t *testing.T) {
	s := NewStore(zap.NewNop())
	s.AddNode(Node{ID: "cause:oom", Type: NodeCause})
	s.AddNode(Node{ID: "fix:restart", Type: NodeFix})
	s.AddNode(Node{ID: "fix:scale", Type: NodeFix})

	_, err := s.AddEdge(Edge{
		From: "cause:oom", To: "fix:restart", Relation: RelRemediates,
		Metadata: map[string]interface{}{"success_count": 3},
	})
	require.NoError(t, err)

	rels := s.Relationships("cause:oom", RelRemediates)
	require.Len(t, rels, 1)
	assert.Equal(t, "fix:restart", rels[0].TargetID)
	assert.Equal(t, 3, rels[0].Metadata["success_count"])

	assert.Empty(t, s.Relationships("cause:disk", RelRemediates))
}

func TestApplyEdgeMetadataAdditive(t *testing.T) {
	s := NewStore(zap.NewNop())
	s.AddNode(Node{ID: "cause:oom", Type: NodeCause})
	s.AddNode(Node{ID: "fix:restart", Type: NodeFix})

	const workers = 16
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			err := s.ApplyEdgeMetadata("cause:oom", "fix:restart", RelRemediates, func(md map[string]interface{}) {
				n, _ := md["attempt_count"].(int)
				md["attempt_count"] = n + 1
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	rels := s.Relationships("cause:oom", RelRemediates)
	require.Len(t, rels, 1)
	assert.Equal(t, workers, rels[0].Metadata["attempt_count"])
}

func TestReadersSeeConsistentSnapshots(t *testing.T) {
	s := NewStore(zap.NewNop())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			f := testFinding(fmt.Sprintf("f-%d", i))
			f.EntityID = fmt.Sprintf("api-%d", i)
			_, _, err := s.AddFinding(f)
			assert.NoError(t, err)
		}
	}()

	for i := 0; i < 200; i++ {
		path, nodes := s.Traverse("cause:resource_exhaustion", 2, nil)
		assert.Equal(t, len(path), len(nodes))
	}
	<-done
}

func mustEdge(t *testing.T, s *Store, from, to string, rel Relation) {
	t.Helper()
	_, err := s.AddEdge(Edge{From: from, To: to, Relation: rel})
	require.NoError(t, err)
}
