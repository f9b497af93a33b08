package graph

import (
	"fmt"
	"time"
)

// NodeType classifies a graph vertex.
type NodeType string

const (
	// NodeCause is a root-cause classification (e.g. resource_exhaustion).
	NodeCause NodeType = "cause"
	// NodeFix is a remediation identity derived from a proposed action.
	NodeFix NodeType = "fix"
	// NodeTool is a diagnostic tool that produced a finding.
	NodeTool NodeType = "tool"
	// NodeEntity is an affected entity (workload, namespace, host).
	NodeEntity NodeType = "entity"
	// NodeCategory is a grouping node that causes and entities belong to.
	NodeCategory NodeType = "category"
)

// Relation is the typed edge label between two nodes.
type Relation string

const (
	RelInstanceOf    Relation = "instance_of"
	RelCategorizedAs Relation = "categorized_as"
	RelDetectedBy    Relation = "detected_by"
	RelRemediates    Relation = "remediates"
	RelFoundIn       Relation = "found_in"
	RelSimilarTo     Relation = "similar_to"
)

// Node is a vertex in the knowledge graph. Node IDs are globally unique and
// namespaced by type, e.g. "cause:resource_exhaustion" or "entity:api-1".
// Nodes are append-only; they are never deleted, only superseded by new edges.
type Node struct {
	ID         string            `json:"id"`
	Type       NodeType          `json:"type"`
	Label      string            `json:"label"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Edge is a directed, typed relationship between two nodes. Multiple edges of
// different relations may exist between the same pair of nodes.
type Edge struct {
	From     string                 `json:"from"`
	To       string                 `json:"to"`
	Relation Relation               `json:"relation"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Neighbor is a 1-hop relationship target with the edge metadata.
type Neighbor struct {
	TargetID string                 `json:"target_id"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Finding is a structured record produced by an external diagnostic tool.
type Finding struct {
	// ID uniquely identifies the finding; AddFinding is idempotent by this ID.
	ID string `json:"id"`

	// EntityID is the affected entity (e.g. "api-1" or "namespace/payments").
	EntityID string `json:"entity_id"`

	// Description is a human-readable summary of the issue.
	Description string `json:"description"`

	// Severity is the tool-reported severity (e.g. "critical", "warning").
	Severity string `json:"severity"`

	// Pattern is the causal classification assigned to this finding.
	// Empty pattern findings are filed under "unclassified".
	Pattern string `json:"pattern,omitempty"`

	// ToolName is the diagnostic tool that produced the finding.
	ToolName string `json:"tool_name"`

	// DetectedAt is when the tool observed the issue.
	DetectedAt time.Time `json:"detected_at"`
}

// QualifyID builds a namespaced node ID from a type and a bare identifier.
func QualifyID(t NodeType, id string) string {
	return fmt.Sprintf("%s:%s", t, id)
}

// Stats summarizes graph size.
type Stats struct {
	Nodes    int `json:"nodes"`
	Edges    int `json:"edges"`
	Findings int `json:"findings"`
}
