package fixgen

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tmc/langchaingo/llms"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/detect"
	"github.com/fyrsmithlabs/remedyd/internal/graph"
	"github.com/fyrsmithlabs/remedyd/internal/vectorstore"
)

const instrumentationName = "github.com/fyrsmithlabs/remedyd/internal/fixgen"

var (
	// ErrNoProposals is returned when no proposal could be produced for any
	// detected pattern, neither generated nor from the fallback table.
	ErrNoProposals = errors.New("no proposals could be generated")
)

// Backend produces structured remediation text from a prompt. Implementations
// must respect context cancellation.
type Backend interface {
	Generate(ctx context.Context, prompt string, temperature float64) (string, error)
}

// LLMBackend adapts a langchaingo model to the Backend interface. A per-call
// timeout bounds generation so a slow model degrades to the fallback table
// instead of stalling the workflow.
type LLMBackend struct {
	model   llms.Model
	timeout time.Duration
}

// NewLLMBackend wraps a langchaingo model. timeout <= 0 defaults to 30s.
func NewLLMBackend(model llms.Model, timeout time.Duration) (*LLMBackend, error) {
	if model == nil {
		return nil, errors.New("model is required")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &LLMBackend{model: model, timeout: timeout}, nil
}

// Generate runs a single-prompt completion against the model.
func (b *LLMBackend) Generate(ctx context.Context, prompt string, temperature float64) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	out, err := llms.GenerateFromSinglePrompt(ctx, b.model, prompt,
		llms.WithTemperature(temperature))
	if err != nil {
		return "", fmt.Errorf("generating completion: %w", err)
	}
	return out, nil
}

// Config configures the generator.
type Config struct {
	// Temperature passed to the generative backend.
	Temperature float64

	// ContextLimit caps how many prior remediation edges and similarity
	// snippets go into the prompt.
	ContextLimit int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Temperature:  0.2,
		ContextLimit: 5,
	}
}

// Request carries everything the generator needs for one entity.
type Request struct {
	WorkflowID string
	EntityID   string
	Bundle     *detect.Bundle
	Patterns   []detect.PatternID
}

// Generator turns detected patterns into fix proposals. It assembles context
// from the knowledge graph and the similarity index, asks the generative
// backend for a structured fix, and falls back to a static rule table when the
// backend is unavailable or returns output that does not parse.
type Generator struct {
	config  *Config
	backend Backend
	graph   *graph.Store
	vectors vectorstore.Store
	logger  *zap.Logger

	tracer           trace.Tracer
	meter            metric.Meter
	generatedCounter metric.Int64Counter
	fallbackCounter  metric.Int64Counter
}

// NewGenerator creates a fix generator. backend and vectors may be nil: a nil
// backend always uses the fallback table, a nil vectors skips similarity
// context.
func NewGenerator(cfg *Config, backend Backend, g *graph.Store, vectors vectorstore.Store, logger *zap.Logger) (*Generator, error) {
	if g == nil {
		return nil, errors.New("graph store is required")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.ContextLimit <= 0 {
		cfg.ContextLimit = 5
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	gen := &Generator{
		config:  cfg,
		backend: backend,
		graph:   g,
		vectors: vectors,
		logger:  logger,
		tracer:  otel.Tracer(instrumentationName),
		meter:   otel.Meter(instrumentationName),
	}
	gen.initMetrics()
	return gen, nil
}

func (g *Generator) initMetrics() {
	var err error

	g.generatedCounter, err = g.meter.Int64Counter(
		"remedyd.fixgen.generated_total",
		metric.WithDescription("Total number of backend-generated proposals"),
		metric.WithUnit("{proposal}"),
	)
	if err != nil {
		g.logger.Warn("failed to create generated counter", zap.Error(err))
	}

	g.fallbackCounter, err = g.meter.Int64Counter(
		"remedyd.fixgen.fallbacks_total",
		metric.WithDescription("Total number of fallback proposals"),
		metric.WithUnit("{proposal}"),
	)
	if err != nil {
		g.logger.Warn("failed to create fallback counter", zap.Error(err))
	}
}

// Generate produces one proposal per detected pattern. Patterns the backend
// cannot serve fall back to the static rule table; patterns with no fallback
// rule are skipped with a warning. An empty pattern set yields no proposals
// and no error, which the workflow treats as "manual investigation required".
func (g *Generator) Generate(ctx context.Context, req Request) ([]Proposal, error) {
	ctx, span := g.tracer.Start(ctx, "fixgen.generate")
	defer span.End()

	span.SetAttributes(
		attribute.String("entity_id", req.EntityID),
		attribute.Int("pattern_count", len(req.Patterns)),
	)

	if req.EntityID == "" {
		return nil, errors.New("entity id is required")
	}
	if len(req.Patterns) == 0 {
		return nil, nil
	}

	proposals := make([]Proposal, 0, len(req.Patterns))
	for _, pattern := range req.Patterns {
		p, err := g.generateOne(ctx, req, pattern)
		if err != nil {
			g.logger.Warn("skipping pattern, no proposal available",
				zap.String("pattern_id", string(pattern)),
				zap.String("entity_id", req.EntityID),
				zap.Error(err),
			)
			continue
		}
		proposals = append(proposals, p)
	}

	if len(proposals) == 0 {
		err := fmt.Errorf("%w: %d patterns for entity %s", ErrNoProposals, len(req.Patterns), req.EntityID)
		span.RecordError(err)
		return nil, err
	}
	return proposals, nil
}

func (g *Generator) generateOne(ctx context.Context, req Request, pattern detect.PatternID) (Proposal, error) {
	ev := g.collectEvidence(ctx, req, pattern)

	if g.backend != nil {
		p, err := g.generateFromBackend(ctx, req, pattern, ev)
		if err == nil {
			if g.generatedCounter != nil {
				g.generatedCounter.Add(ctx, 1, metric.WithAttributes(
					attribute.String("pattern_id", string(pattern)),
				))
			}
			return p, nil
		}
		g.logger.Warn("backend generation failed, using fallback",
			zap.String("pattern_id", string(pattern)),
			zap.Error(err),
		)
	}

	p, err := g.fallbackProposal(req, pattern)
	if err != nil {
		return Proposal{}, err
	}
	if g.fallbackCounter != nil {
		g.fallbackCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("pattern_id", string(pattern)),
		))
	}
	return p, nil
}

// evidence aggregates what the graph and similarity index know about a pattern.
type evidence struct {
	// priorFixes are remediates neighbors of the cause node, capped at the
	// context limit.
	priorFixes []graph.Neighbor

	// attempts and successes are summed over priorFixes' edge counters.
	attempts  int
	successes int

	// snippets are similarity search hits for the bundle's signals.
	snippets []vectorstore.SearchResult
}

func (g *Generator) collectEvidence(ctx context.Context, req Request, pattern detect.PatternID) evidence {
	var ev evidence

	causeID := graph.QualifyID(graph.NodeCause, string(pattern))
	for _, n := range g.graph.Relationships(causeID, graph.RelRemediates) {
		if len(ev.priorFixes) >= g.config.ContextLimit {
			break
		}
		ev.priorFixes = append(ev.priorFixes, n)
		ev.attempts += metaCount(n.Metadata, "attempt_count")
		ev.successes += metaCount(n.Metadata, "success_count")
	}

	if g.vectors != nil && req.Bundle != nil && len(req.Bundle.Signals) > 0 {
		query := fmt.Sprintf("%s %s", pattern, lastSignal(req.Bundle))
		hits, err := g.vectors.Search(ctx, query, g.config.ContextLimit)
		if err != nil {
			g.logger.Warn("similarity search failed",
				zap.String("pattern_id", string(pattern)), zap.Error(err))
		} else {
			ev.snippets = hits
		}
	}

	return ev
}

// metaCount reads an integer counter from edge metadata. Counters written
// in-process are ints; counters reloaded from a JSON snapshot come back as
// float64, so both are accepted.
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

func lastSignal(b *detect.Bundle) string {
	if len(b.Signals) == 0 {
		return ""
	}
	return b.Signals[len(b.Signals)-1]
}

// llmProposal is the JSON schema the backend must produce.
type llmProposal struct {
	RootCause           string `json:"root_cause"`
	Command             string `json:"command"`
	Description         string `json:"description"`
	RiskLevel           string `json:"risk_level"`
	RollbackCommand     string `json:"rollback_command"`
	RollbackDescription string `json:"rollback_description"`
	Rationale           string `json:"rationale"`
}

func (g *Generator) generateFromBackend(ctx context.Context, req Request, pattern detect.PatternID, ev evidence) (Proposal, error) {
	prompt := g.buildPrompt(req, pattern, ev)

	raw, err := g.backend.Generate(ctx, prompt, g.config.Temperature)
	if err != nil {
		return Proposal{}, err
	}

	var out llmProposal
	if err := json.Unmarshal([]byte(stripFences(raw)), &out); err != nil {
		return Proposal{}, fmt.Errorf("backend output is not valid JSON: %w", err)
	}

	risk := RiskLevel(strings.ToUpper(out.RiskLevel))
	p := Proposal{
		ID:         uuid.NewString(),
		WorkflowID: req.WorkflowID,
		EntityID:   req.EntityID,
		RootCause:  out.RootCause,
		ProposedAction: Action{
			Command:     out.Command,
			Description: out.Description,
		},
		RiskLevel:  risk,
		Confidence: confidenceFrom(ev),
		Rationale:  rationaleFor(out.Rationale, ev),
		RollbackAction: Action{
			Command:     out.RollbackCommand,
			Description: out.RollbackDescription,
		},
		PatternID: string(pattern),
	}

	if err := Validate(&p); err != nil {
		return Proposal{}, fmt.Errorf("backend output failed validation: %w", err)
	}
	return p, nil
}

func (g *Generator) buildPrompt(req Request, pattern detect.PatternID, ev evidence) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are a remediation assistant. Propose exactly one fix for the incident below.\n\n")
	fmt.Fprintf(&b, "Entity: %s\nDetected pattern: %s\n\n", req.EntityID, pattern)

	if req.Bundle != nil && len(req.Bundle.Signals) > 0 {
		b.WriteString("Recent diagnostic signals (newest last):\n")
		signals := req.Bundle.Signals
		if len(signals) > g.config.ContextLimit {
			signals = signals[len(signals)-g.config.ContextLimit:]
		}
		for _, s := range signals {
			fmt.Fprintf(&b, "- %s\n", s)
		}
		b.WriteString("\n")
	}

	if len(ev.priorFixes) > 0 {
		b.WriteString("Fixes previously applied for this cause:\n")
		for _, n := range ev.priorFixes {
			label := n.TargetID
			if node, ok := g.graph.Node(n.TargetID); ok && node.Label != "" {
				label = node.Label
			}
			fmt.Fprintf(&b, "- %s (%d/%d successful)\n",
				label, metaCount(n.Metadata, "success_count"), metaCount(n.Metadata, "attempt_count"))
		}
		b.WriteString("\n")
	}

	if len(ev.snippets) > 0 {
		b.WriteString("Similar past incidents:\n")
		for _, s := range ev.snippets {
			fmt.Fprintf(&b, "- %s\n", s.Content)
		}
		b.WriteString("\n")
	}

	b.WriteString(`Respond with a single JSON object and nothing else:
{"root_cause": "...", "command": "...", "description": "...", "risk_level": "LOW|MEDIUM|HIGH", "rollback_command": "...", "rollback_description": "...", "rationale": "..."}
The rollback_command must undo the command. Prefer the least invasive fix.`)

	return b.String()
}

// stripFences removes a markdown code fence if the backend wrapped its JSON
// in one.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// Confidence derivation. With prior evidence the score scales with both the
// volume of attempts (saturating at evidenceSaturation) and their success
// rate. Without prior attempts the score is driven by similarity hits and
// capped at noEvidenceCap, so a never-tried fix is always presented as
// uncertain.
const (
	baseConfidence     = 0.9
	evidenceSaturation = 5
	noEvidenceCap      = 0.5
	confidenceFloor    = 0.05
	confidenceCeiling  = 0.95
)

func confidenceFrom(ev evidence) float64 {
	if ev.attempts == 0 {
		conf := 0.2
		for _, s := range ev.snippets {
			if s.Score > 0 {
				conf = 0.2 + 0.3*s.Score
				break
			}
		}
		return clamp(conf, confidenceFloor, noEvidenceCap)
	}

	volume := float64(ev.attempts) / evidenceSaturation
	if volume > 1 {
		volume = 1
	}
	successRate := float64(ev.successes) / float64(ev.attempts)
	return clamp(baseConfidence*volume*successRate, confidenceFloor, confidenceCeiling)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// rationaleFor appends the evidence summary to the backend's rationale so
// reviewers see the historical success rate alongside the explanation.
func rationaleFor(base string, ev evidence) string {
	if ev.attempts == 0 {
		if base == "" {
			return "No prior remediation history for this cause."
		}
		return base + " No prior remediation history for this cause."
	}
	note := fmt.Sprintf("Based on %d prior attempts with %d successes (%.0f%% success rate).",
		ev.attempts, ev.successes, 100*float64(ev.successes)/float64(ev.attempts))
	if base == "" {
		return note
	}
	return base + " " + note
}
