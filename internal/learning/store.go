// Package learning closes the remediation feedback loop. Terminal proposal
// outcomes are written back into the knowledge graph as remediates edges with
// success counters, and summarized into the vector store so future
// generations retrieve them as similarity context.
//
// Everything here is best-effort: a failed write is logged and never surfaced
// to the workflow, which has already finished executing by the time learning
// runs.
package learning

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/fixgen"
	"github.com/fyrsmithlabs/remedyd/internal/graph"
	"github.com/fyrsmithlabs/remedyd/internal/vectorstore"
)

const instrumentationName = "github.com/fyrsmithlabs/remedyd/internal/learning"

// Outcome is one terminal proposal result reported by the workflow engine.
type Outcome struct {
	PatternID   string
	Proposal    fixgen.Proposal
	Success     bool
	EntityScope string
}

// Store writes remediation outcomes into the knowledge graph and the
// similarity index.
type Store struct {
	graph   *graph.Store
	vectors vectorstore.Store
	logger  *zap.Logger

	tracer         trace.Tracer
	meter          metric.Meter
	outcomeCounter metric.Int64Counter
}

// NewStore creates a learning store. vectors may be nil, in which case only
// the graph is updated.
func NewStore(g *graph.Store, vectors vectorstore.Store, logger *zap.Logger) (*Store, error) {
	if g == nil {
		return nil, errors.New("graph store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Store{
		graph:   g,
		vectors: vectors,
		logger:  logger,
		tracer:  otel.Tracer(instrumentationName),
		meter:   otel.Meter(instrumentationName),
	}

	var err error
	s.outcomeCounter, err = s.meter.Int64Counter(
		"remedyd.learning.outcomes_total",
		metric.WithDescription("Total number of remediation outcomes recorded"),
		metric.WithUnit("{outcome}"),
	)
	if err != nil {
		logger.Warn("failed to create outcome counter", zap.Error(err))
	}

	return s, nil
}

// Record writes one outcome. The fix node is keyed by a hash of the action
// command so the same fix applied to different entities accumulates counters
// on a single remediates edge. Errors are logged, never returned.
func (s *Store) Record(ctx context.Context, outcome Outcome) {
	ctx, span := s.tracer.Start(ctx, "learning.record")
	defer span.End()

	span.SetAttributes(
		attribute.String("pattern_id", outcome.PatternID),
		attribute.Bool("success", outcome.Success),
	)

	if outcome.PatternID == "" || outcome.Proposal.ProposedAction.Command == "" {
		s.logger.Warn("skipping outcome with missing pattern or action",
			zap.String("proposal_id", outcome.Proposal.ID))
		return
	}

	fixID := FixNodeID(outcome.Proposal.ProposedAction)
	causeID := graph.QualifyID(graph.NodeCause, outcome.PatternID)

	s.recordGraph(outcome, causeID, fixID)
	s.recordVector(ctx, outcome, fixID)

	if s.outcomeCounter != nil {
		s.outcomeCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("pattern_id", outcome.PatternID),
			attribute.Bool("success", outcome.Success),
		))
	}

	s.logger.Info("outcome recorded",
		zap.String("pattern_id", outcome.PatternID),
		zap.String("fix_id", fixID),
		zap.Bool("success", outcome.Success),
	)
}

func (s *Store) recordGraph(outcome Outcome, causeID, fixID string) {
	s.graph.AddNode(graph.Node{
		ID:    causeID,
		Type:  graph.NodeCause,
		Label: outcome.PatternID,
	})

	s.graph.AddNode(graph.Node{
		ID:    fixID,
		Type:  graph.NodeFix,
		Label: outcome.Proposal.ProposedAction.Description,
		Attributes: map[string]string{
			"command": outcome.Proposal.ProposedAction.Command,
		},
	})

	if _, err := s.graph.AddEdge(graph.Edge{
		From:     causeID,
		To:       fixID,
		Relation: graph.RelRemediates,
	}); err != nil {
		s.logger.Warn("failed to add remediates edge", zap.Error(err))
		return
	}

	err := s.graph.ApplyEdgeMetadata(causeID, fixID, graph.RelRemediates, func(md map[string]interface{}) {
		md["attempt_count"] = metaCount(md, "attempt_count") + 1
		if outcome.Success {
			md["success_count"] = metaCount(md, "success_count") + 1
		} else if _, ok := md["success_count"]; !ok {
			md["success_count"] = 0
		}
		md["last_used"] = time.Now().UTC().Format(time.RFC3339)
	})
	if err != nil {
		s.logger.Warn("failed to update edge counters", zap.Error(err))
	}
}

func (s *Store) recordVector(ctx context.Context, outcome Outcome, fixID string) {
	if s.vectors == nil {
		return
	}

	verdict := "resolved"
	if !outcome.Success {
		verdict = "did not resolve"
	}
	summary := fmt.Sprintf("%s on %s: applied %q (%s), which %s the issue. Root cause: %s",
		outcome.PatternID,
		outcome.Proposal.EntityID,
		outcome.Proposal.ProposedAction.Command,
		outcome.Proposal.ProposedAction.Description,
		verdict,
		outcome.Proposal.RootCause,
	)

	_, err := s.vectors.AddDocuments(ctx, []vectorstore.Document{{
		ID:      fmt.Sprintf("%s-%s", fixID, outcome.Proposal.ID),
		Content: summary,
		Metadata: map[string]string{
			"pattern_id": outcome.PatternID,
			"entity_id":  outcome.Proposal.EntityID,
			"success":    fmt.Sprintf("%t", outcome.Success),
		},
	}})
	if err != nil {
		s.logger.Warn("failed to index outcome summary", zap.Error(err))
	}
}

// FixNodeID derives the graph node ID for an action. Keyed by a hash of the
// command so identical fixes coalesce regardless of which proposal carried
// them.
func FixNodeID(action fixgen.Action) string {
	sum := sha256.Sum256([]byte(action.Command))
	return graph.QualifyID(graph.NodeFix, hex.EncodeToString(sum[:6]))
}

// metaCount tolerates both in-process int counters and float64 counters read
// back from a JSON snapshot.
func metaCount(md map[string]interface{}, key string) int {
	switch v := md[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
