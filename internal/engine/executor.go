package engine

import (
	"context"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/fixgen"
)

// DryRunExecutor logs actions instead of applying them. It is the default
// executor for a daemon with no target-system integration configured, so
// approved fixes complete the workflow without touching anything.
type DryRunExecutor struct {
	logger *zap.Logger
}

// NewDryRunExecutor creates a logging-only executor.
func NewDryRunExecutor(logger *zap.Logger) *DryRunExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DryRunExecutor{logger: logger}
}

// Apply logs the action and reports success.
func (x *DryRunExecutor) Apply(_ context.Context, action fixgen.Action) error {
	x.logger.Info("dry-run apply",
		zap.String("command", action.Command),
		zap.String("description", action.Description),
	)
	return nil
}

// Rollback logs the rollback and reports success.
func (x *DryRunExecutor) Rollback(_ context.Context, action fixgen.Action) error {
	x.logger.Info("dry-run rollback",
		zap.String("command", action.Command),
		zap.String("description", action.Description),
	)
	return nil
}
