package graph

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// noopCtx is used for metric recording inside lock-holding methods that do
// not take a caller context.
var noopCtx = context.Background()

const instrumentationName = "github.com/fyrsmithlabs/remedyd/internal/graph"

// DefaultTraverseDepth bounds breadth-first traversal when the caller passes
// a non-positive depth.
const DefaultTraverseDepth = 2

// ErrInvalidEdge indicates an edge that violates a graph invariant.
var ErrInvalidEdge = errors.New("invalid edge")

// Store is an in-memory, append-mostly knowledge graph over causes, fixes,
// tools, entities, and categories.
//
// All reads return copies of internal state so concurrent readers observe
// either the pre-write or post-write snapshot of a mutation, never a
// partially updated node or edge set. Edge iteration is stable in insertion
// order, which makes traversal deterministic for a given snapshot.
type Store struct {
	mu sync.RWMutex

	nodes     map[string]*Node
	nodeOrder []string
	edges     []*Edge
	// adjacency maps a node ID to indices into edges, in insertion order.
	adjacency map[string][]int
	// findings tracks applied finding IDs for idempotence.
	findings map[string]struct{}

	logger *zap.Logger

	meter        metric.Meter
	nodeCounter  metric.Int64Counter
	edgeCounter  metric.Int64Counter
	traverseHist metric.Int64Counter
}

// NewStore creates an empty knowledge graph.
func NewStore(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Store{
		nodes:     make(map[string]*Node),
		adjacency: make(map[string][]int),
		findings:  make(map[string]struct{}),
		logger:    logger,
		meter:     otel.Meter(instrumentationName),
	}
	s.initMetrics()
	return s
}

func (s *Store) initMetrics() {
	var err error

	s.nodeCounter, err = s.meter.Int64Counter(
		"remedyd.graph.nodes_added_total",
		metric.WithDescription("Total number of nodes added to the knowledge graph"),
		metric.WithUnit("{node}"),
	)
	if err != nil {
		s.logger.Warn("failed to create node counter", zap.Error(err))
	}

	s.edgeCounter, err = s.meter.Int64Counter(
		"remedyd.graph.edges_added_total",
		metric.WithDescription("Total number of edges added to the knowledge graph"),
		metric.WithUnit("{edge}"),
	)
	if err != nil {
		s.logger.Warn("failed to create edge counter", zap.Error(err))
	}

	s.traverseHist, err = s.meter.Int64Counter(
		"remedyd.graph.traversals_total",
		metric.WithDescription("Total number of graph traversals"),
		metric.WithUnit("{traversal}"),
	)
	if err != nil {
		s.logger.Warn("failed to create traversal counter", zap.Error(err))
	}
}

// AddNode inserts a node if its ID is not already present. Existing nodes are
// left untouched (nodes are append-only). Returns true if the node was added.
func (s *Store) AddNode(n Node) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addNodeLocked(n)
}

func (s *Store) addNodeLocked(n Node) bool {
	if _, ok := s.nodes[n.ID]; ok {
		return false
	}
	cp := n
	cp.Attributes = copyStringMap(n.Attributes)
	s.nodes[n.ID] = &cp
	s.nodeOrder = append(s.nodeOrder, n.ID)
	if s.nodeCounter != nil {
		s.nodeCounter.Add(noopCtx, 1, metric.WithAttributes(attribute.String("type", string(n.Type))))
	}
	return true
}

// AddEdge inserts a directed edge. Duplicate (from, to, relation) triples are
// collapsed into the existing edge. Returns true if a new edge was added.
//
// Invariant: an instance_of edge must originate from a cause or entity node
// and target a category node. Violations return ErrInvalidEdge.
func (s *Store) AddEdge(e Edge) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addEdgeLocked(e)
}

func (s *Store) addEdgeLocked(e Edge) (bool, error) {
	if e.From == "" || e.To == "" {
		return false, fmt.Errorf("%w: missing endpoint", ErrInvalidEdge)
	}

	if e.Relation == RelInstanceOf {
		from, fromOK := s.nodes[e.From]
		to, toOK := s.nodes[e.To]
		if !fromOK || !toOK {
			return false, fmt.Errorf("%w: instance_of endpoints must exist", ErrInvalidEdge)
		}
		if from.Type != NodeCause && from.Type != NodeEntity {
			return false, fmt.Errorf("%w: instance_of source %s must be a cause or entity node", ErrInvalidEdge, e.From)
		}
		if to.Type != NodeCategory {
			return false, fmt.Errorf("%w: instance_of target %s must be a category node", ErrInvalidEdge, e.To)
		}
	}

	for _, idx := range s.adjacency[e.From] {
		existing := s.edges[idx]
		if existing.To == e.To && existing.Relation == e.Relation {
			return false, nil
		}
	}

	cp := e
	cp.Metadata = copyAnyMap(e.Metadata)
	s.edges = append(s.edges, &cp)
	s.adjacency[e.From] = append(s.adjacency[e.From], len(s.edges)-1)
	if s.edgeCounter != nil {
		s.edgeCounter.Add(noopCtx, 1, metric.WithAttributes(attribute.String("relation", string(e.Relation))))
	}
	return true, nil
}

// ApplyEdgeMetadata runs apply against the metadata of the (from, to,
// relation) edge under the write lock, creating the edge first if absent.
// The callback receives the live metadata map and mutates it in place, which
// keeps counter updates additive under concurrent callers.
func (s *Store) ApplyEdgeMetadata(from, to string, relation Relation, apply func(md map[string]interface{})) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, idx := range s.adjacency[from] {
		e := s.edges[idx]
		if e.To == to && e.Relation == relation {
			if e.Metadata == nil {
				e.Metadata = make(map[string]interface{})
			}
			apply(e.Metadata)
			return nil
		}
	}

	md := make(map[string]interface{})
	apply(md)
	_, err := s.addEdgeLocked(Edge{From: from, To: to, Relation: relation, Metadata: md})
	return err
}

// FindNodes returns nodes whose ID, label, or attribute values contain the
// query, case-insensitively. Results are in insertion order; an empty result
// is not an error. An empty query matches nothing.
func (s *Store) FindNodes(query string) []Node {
	if query == "" {
		return nil
	}
	needle := strings.ToLower(query)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Node
	for _, id := range s.nodeOrder {
		n := s.nodes[id]
		if nodeMatches(n, needle) {
			out = append(out, copyNode(n))
		}
	}
	return out
}

func nodeMatches(n *Node, needle string) bool {
	if strings.Contains(strings.ToLower(n.ID), needle) {
		return true
	}
	if strings.Contains(strings.ToLower(n.Label), needle) {
		return true
	}
	for _, v := range n.Attributes {
		if strings.Contains(strings.ToLower(v), needle) {
			return true
		}
	}
	return false
}

// Traverse walks the graph breadth-first from start, bounded by maxDepth and
// restricted to the given relation set (nil or empty means all relations).
// It returns the visit path (node IDs in visit order) and the visited nodes.
//
// A visited set guarantees termination on cyclic graphs (similar_to edges may
// form cycles by design) and each node appears at most once.
func (s *Store) Traverse(start string, maxDepth int, relations []Relation) ([]string, []Node) {
	if maxDepth <= 0 {
		maxDepth = DefaultTraverseDepth
	}

	allowed := make(map[Relation]struct{}, len(relations))
	for _, r := range relations {
		allowed[r] = struct{}{}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.traverseHist != nil {
		s.traverseHist.Add(noopCtx, 1)
	}

	if _, ok := s.nodes[start]; !ok {
		return nil, nil
	}

	type queued struct {
		id    string
		depth int
	}

	visited := map[string]struct{}{start: {}}
	path := []string{start}
	nodes := []Node{copyNode(s.nodes[start])}
	queue := []queued{{id: start, depth: 0}}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.depth >= maxDepth {
			continue
		}

		for _, idx := range s.adjacency[cur.id] {
			e := s.edges[idx]
			if len(allowed) > 0 {
				if _, ok := allowed[e.Relation]; !ok {
					continue
				}
			}
			if _, seen := visited[e.To]; seen {
				continue
			}
			target, ok := s.nodes[e.To]
			if !ok {
				continue
			}
			visited[e.To] = struct{}{}
			path = append(path, e.To)
			nodes = append(nodes, copyNode(target))
			queue = append(queue, queued{id: e.To, depth: cur.depth + 1})
		}
	}

	return path, nodes
}

// Relationships returns the direct (1-hop) neighbors of nodeID reachable via
// the given relation, in edge insertion order.
func (s *Store) Relationships(nodeID string, relation Relation) []Neighbor {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Neighbor
	for _, idx := range s.adjacency[nodeID] {
		e := s.edges[idx]
		if e.Relation != relation {
			continue
		}
		out = append(out, Neighbor{
			TargetID: e.To,
			Metadata: copyAnyMap(e.Metadata),
		})
	}
	return out
}

// AddFinding files a diagnostic finding into the graph. It is idempotent by
// finding ID: re-adding a known finding is a no-op returning zero counts.
//
// A finding materializes as:
//   - an entity node for the affected entity, if absent
//   - a cause node for the finding's pattern, if absent
//   - a tool node for the reporting tool, if absent
//   - a category node grouping the pattern, if absent
//   - instance_of (cause -> category), detected_by (cause -> tool), and
//     found_in (cause -> entity) edges
func (s *Store) AddFinding(f Finding) (nodesAdded, edgesAdded int, err error) {
	if f.ID == "" {
		return 0, 0, errors.New("finding id is required")
	}
	if f.EntityID == "" {
		return 0, 0, errors.New("finding entity_id is required")
	}

	pattern := f.Pattern
	if pattern == "" {
		pattern = "unclassified"
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, seen := s.findings[f.ID]; seen {
		return 0, 0, nil
	}

	entityID := QualifyID(NodeEntity, f.EntityID)
	causeID := QualifyID(NodeCause, pattern)
	categoryID := QualifyID(NodeCategory, pattern)

	if s.addNodeLocked(Node{ID: entityID, Type: NodeEntity, Label: f.EntityID}) {
		nodesAdded++
	}
	if s.addNodeLocked(Node{
		ID:    causeID,
		Type:  NodeCause,
		Label: pattern,
		Attributes: map[string]string{
			"description": f.Description,
			"severity":    f.Severity,
		},
	}) {
		nodesAdded++
	}
	if s.addNodeLocked(Node{ID: categoryID, Type: NodeCategory, Label: pattern}) {
		nodesAdded++
	}

	// Metadata values stay JSON-primitive so snapshots round-trip exactly.
	edgeMD := map[string]interface{}{
		"finding_id":  f.ID,
		"severity":    f.Severity,
		"detected_at": f.DetectedAt.UTC().Format(time.RFC3339),
	}

	edges := []Edge{
		{From: causeID, To: categoryID, Relation: RelInstanceOf},
		{From: causeID, To: entityID, Relation: RelFoundIn, Metadata: edgeMD},
	}

	if f.ToolName != "" {
		toolID := QualifyID(NodeTool, f.ToolName)
		if s.addNodeLocked(Node{ID: toolID, Type: NodeTool, Label: f.ToolName}) {
			nodesAdded++
		}
		edges = append(edges, Edge{From: causeID, To: toolID, Relation: RelDetectedBy})
	}

	for _, e := range edges {
		added, aerr := s.addEdgeLocked(e)
		if aerr != nil {
			return nodesAdded, edgesAdded, aerr
		}
		if added {
			edgesAdded++
		}
	}

	s.findings[f.ID] = struct{}{}

	s.logger.Debug("finding added to graph",
		zap.String("finding_id", f.ID),
		zap.String("entity", f.EntityID),
		zap.String("pattern", pattern),
		zap.Int("nodes_added", nodesAdded),
		zap.Int("edges_added", edgesAdded),
	)

	return nodesAdded, edgesAdded, nil
}

// Node returns a copy of the node with the given ID.
func (s *Store) Node(id string) (Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.nodes[id]
	if !ok {
		return Node{}, false
	}
	return copyNode(n), true
}

// Stats returns current graph size.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Stats{
		Nodes:    len(s.nodes),
		Edges:    len(s.edges),
		Findings: len(s.findings),
	}
}

func copyNode(n *Node) Node {
	cp := *n
	cp.Attributes = copyStringMap(n.Attributes)
	return cp
}

func copyStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyAnyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
