package graph

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"
)

// snapshotVersion identifies the on-disk snapshot format.
const snapshotVersion = 1

// snapshot is the self-describing persisted form of the graph. It round-trips
// the node set, edge set (with metadata), and applied finding IDs exactly.
type snapshot struct {
	Version  int       `json:"version"`
	SavedAt  time.Time `json:"saved_at"`
	Nodes    []Node    `json:"nodes"`
	Edges    []Edge    `json:"edges"`
	Findings []string  `json:"findings"`
}

// Save writes the graph snapshot to path atomically (temp file + rename).
func (s *Store) Save(path string) error {
	s.mu.RLock()
	snap := snapshot{
		Version: snapshotVersion,
		SavedAt: time.Now().UTC(),
	}
	snap.Nodes = make([]Node, 0, len(s.nodeOrder))
	for _, id := range s.nodeOrder {
		snap.Nodes = append(snap.Nodes, copyNode(s.nodes[id]))
	}
	snap.Edges = make([]Edge, 0, len(s.edges))
	for _, e := range s.edges {
		cp := *e
		cp.Metadata = copyAnyMap(e.Metadata)
		snap.Edges = append(snap.Edges, cp)
	}
	snap.Findings = make([]string, 0, len(s.findings))
	for id := range s.findings {
		snap.Findings = append(snap.Findings, id)
	}
	s.mu.RUnlock()

	sort.Strings(snap.Findings)

	data, err := json.MarshalIndent(&snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal graph snapshot: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename snapshot: %w", err)
	}

	s.logger.Info("graph snapshot saved",
		zap.String("path", path),
		zap.Int("nodes", len(snap.Nodes)),
		zap.Int("edges", len(snap.Edges)),
	)
	return nil
}

// Load reads a snapshot from path and returns a populated store.
//
// A missing snapshot yields a fresh empty graph. A corrupt snapshot is logged
// and also yields a fresh graph rather than failing the process; losing the
// learned graph degrades fix quality but must never block remediation.
func Load(path string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := NewStore(logger)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Info("no graph snapshot found, starting empty", zap.String("path", path))
			return s
		}
		logger.Warn("failed to read graph snapshot, starting empty",
			zap.String("path", path), zap.Error(err))
		return s
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		logger.Warn("corrupt graph snapshot, starting empty",
			zap.String("path", path), zap.Error(err))
		return s
	}

	s.mu.Lock()
	for _, n := range snap.Nodes {
		s.addNodeLocked(n)
	}
	for _, e := range snap.Edges {
		if _, err := s.addEdgeLocked(e); err != nil {
			logger.Warn("skipping invalid edge in snapshot",
				zap.String("from", e.From),
				zap.String("to", e.To),
				zap.String("relation", string(e.Relation)),
				zap.Error(err))
		}
	}
	for _, id := range snap.Findings {
		s.findings[id] = struct{}{}
	}
	s.mu.Unlock()

	logger.Info("graph snapshot loaded",
		zap.String("path", path),
		zap.Int("nodes", len(snap.Nodes)),
		zap.Int("edges", len(snap.Edges)),
		zap.Int("findings", len(snap.Findings)),
	)
	return s
}
