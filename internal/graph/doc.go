// Package graph provides the knowledge graph linking causes, fixes, tools,
// and affected entities.
//
// The graph is a typed, directed multi-relationship store: multiple edges of
// different relations may connect the same pair of nodes, and similar_to
// edges may form cycles by design. Nodes and edges are append-only; outdated
// knowledge is superseded by new edges rather than deleted.
//
// # Concurrency
//
// The store is read-heavy and write-light. Reads return copies under a read
// lock, so a concurrent reader observes either the pre-write or post-write
// snapshot of any mutation. Counter updates on remediates edges go through
// ApplyEdgeMetadata, which applies the mutation under the write lock and
// keeps increments additive across parallel workflow runs.
//
// # Persistence
//
// Save writes a self-describing JSON snapshot (version, nodes, edges,
// finding IDs) atomically. Load of a missing or corrupt snapshot yields a
// fresh empty graph: corruption is logged, never fatal.
package graph
