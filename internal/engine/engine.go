package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/approval"
	"github.com/fyrsmithlabs/remedyd/internal/detect"
	"github.com/fyrsmithlabs/remedyd/internal/fixgen"
	"github.com/fyrsmithlabs/remedyd/internal/graph"
	"github.com/fyrsmithlabs/remedyd/internal/learning"
)

const instrumentationName = "github.com/fyrsmithlabs/remedyd/internal/engine"

var (
	// ErrUnknownRun is returned for run IDs the engine has never seen.
	ErrUnknownRun = errors.New("unknown run")

	// ErrNoFindings is returned when Start is called with nothing to work on.
	ErrNoFindings = errors.New("no findings provided")
)

// Config configures run orchestration.
type Config struct {
	// PollInterval is how often await_approval polls queue status when event
	// delivery is unavailable or quiet.
	PollInterval time.Duration

	// ApprovalTimeout bounds the whole await_approval suspension, including
	// any needs_more_info re-diagnosis pass.
	ApprovalTimeout time.Duration

	// SettleDelay is how long validate waits before health-checking entities
	// whose fixes were just applied.
	SettleDelay time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		PollInterval:    5 * time.Second,
		ApprovalTimeout: 300 * time.Second,
		SettleDelay:     10 * time.Second,
	}
}

// Deps are the engine's collaborators. Graph, Detector, Generator, Queue,
// Learner, and Executor are required; Health is optional (nil skips the
// validate health check).
type Deps struct {
	Graph     *graph.Store
	Detector  *detect.Detector
	Generator *fixgen.Generator
	Queue     *approval.Queue
	Learner   *learning.Store
	Executor  Executor
	Health    HealthChecker
}

// Engine orchestrates remediation runs. Each run is an independent sequential
// state machine executing in its own goroutine; runs never block each other,
// and the only suspension point is await_approval.
type Engine struct {
	config *Config
	deps   Deps
	logger *zap.Logger

	mu   sync.Mutex
	runs map[string]*run

	tracer     trace.Tracer
	meter      metric.Meter
	runCounter metric.Int64Counter
}

// run is the engine-private mutable state of one workflow run. Fields are
// guarded by Engine.mu; the executing goroutine takes snapshots out.
type run struct {
	id       string
	scope    string
	findings []graph.Finding

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	startedAt  time.Time
	finishedAt time.Time
	state      State
	status     DoneStatus
	proposals  []string
	outcomes   map[string]Outcome
	notes      []string

	rediagnosed bool
}

// NewEngine creates a workflow engine.
func NewEngine(cfg *Config, deps Deps, logger *zap.Logger) (*Engine, error) {
	if deps.Graph == nil {
		return nil, errors.New("graph store is required")
	}
	if deps.Detector == nil {
		return nil, errors.New("pattern detector is required")
	}
	if deps.Generator == nil {
		return nil, errors.New("fix generator is required")
	}
	if deps.Queue == nil {
		return nil, errors.New("approval queue is required")
	}
	if deps.Learner == nil {
		return nil, errors.New("learning store is required")
	}
	if deps.Executor == nil {
		return nil, errors.New("executor is required")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.ApprovalTimeout <= 0 {
		cfg.ApprovalTimeout = 300 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{
		config: cfg,
		deps:   deps,
		logger: logger,
		runs:   make(map[string]*run),
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}

	var err error
	e.runCounter, err = e.meter.Int64Counter(
		"remedyd.engine.runs_total",
		metric.WithDescription("Total number of remediation runs finished, by status"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		logger.Warn("failed to create run counter", zap.Error(err))
	}

	return e, nil
}

// Start launches a remediation run over the given scope and returns its ID.
// The run executes asynchronously; use Wait, Summary, and Cancel to follow it.
func (e *Engine) Start(ctx context.Context, scope string, findings []graph.Finding) (string, error) {
	if len(findings) == 0 {
		return "", ErrNoFindings
	}
	if scope == "" {
		scope = findings[0].EntityID
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &run{
		id:        uuid.NewString(),
		scope:     scope,
		findings:  findings,
		ctx:       runCtx,
		cancel:    cancel,
		done:      make(chan struct{}),
		startedAt: time.Now(),
		state:     StateIdentify,
		outcomes:  make(map[string]Outcome),
	}

	e.mu.Lock()
	e.runs[r.id] = r
	e.mu.Unlock()

	e.logger.Info("run started",
		zap.String("run_id", r.id),
		zap.String("scope", scope),
		zap.Int("findings", len(findings)),
	)

	go e.execute(r)
	return r.id, nil
}

// Wait blocks until the run finishes and returns its final summary.
func (e *Engine) Wait(runID string) (Summary, error) {
	e.mu.Lock()
	r, ok := e.runs[runID]
	e.mu.Unlock()
	if !ok {
		return Summary{}, fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	<-r.done
	return e.Summary(runID)
}

// Cancel stops a run. Cancellation is effective at any state before execute;
// in-flight proposals are rejected with reason "cancelled" so they are not
// left approved forever. A run already executing finishes its current
// proposal before stopping.
func (e *Engine) Cancel(runID string) error {
	e.mu.Lock()
	r, ok := e.runs[runID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	r.cancel()
	return nil
}

// Summary returns a snapshot of the run's current state.
func (e *Engine) Summary(runID string) (Summary, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	r, ok := e.runs[runID]
	if !ok {
		return Summary{}, fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}

	s := Summary{
		RunID:       r.id,
		EntityScope: r.scope,
		StartedAt:   r.startedAt,
		FinishedAt:  r.finishedAt,
		State:       r.state,
		Status:      r.status,
		ProposalIDs: append([]string(nil), r.proposals...),
		Notes:       append([]string(nil), r.notes...),
	}
	if len(r.outcomes) > 0 {
		s.Outcomes = make(map[string]Outcome, len(r.outcomes))
		for k, v := range r.outcomes {
			s.Outcomes[k] = v
		}
	}
	return s, nil
}

// Runs returns summaries of all known runs.
func (e *Engine) Runs() []Summary {
	e.mu.Lock()
	ids := make([]string, 0, len(e.runs))
	for id := range e.runs {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	out := make([]Summary, 0, len(ids))
	for _, id := range ids {
		if s, err := e.Summary(id); err == nil {
			out = append(out, s)
		}
	}
	return out
}

func (e *Engine) setState(r *run, s State) {
	e.mu.Lock()
	r.state = s
	e.mu.Unlock()
}

func (e *Engine) addNote(r *run, note string) {
	e.mu.Lock()
	r.notes = append(r.notes, note)
	e.mu.Unlock()
}

func (e *Engine) recordOutcome(r *run, o Outcome) {
	e.mu.Lock()
	r.outcomes[o.ProposalID] = o
	e.mu.Unlock()
}

func (e *Engine) finish(r *run, status DoneStatus) {
	e.mu.Lock()
	r.state = StateDone
	r.status = status
	r.finishedAt = time.Now()
	e.mu.Unlock()

	if e.runCounter != nil {
		e.runCounter.Add(r.ctx, 1, metric.WithAttributes(
			attribute.String("status", string(status)),
		))
	}

	e.logger.Info("run finished",
		zap.String("run_id", r.id),
		zap.String("status", string(status)),
	)
}
