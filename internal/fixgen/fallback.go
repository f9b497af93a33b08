package fixgen

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/remedyd/internal/detect"
)

// fallbackRule is a deterministic proposal template for one pattern, used
// when the generative backend is unavailable or returns unusable output.
// Confidence values are fixed and conservative; commands template the entity
// ID with %s.
type fallbackRule struct {
	rootCause   string
	command     string
	description string
	rollback    string
	rollbackDsc string
	risk        RiskLevel
	confidence  float64
}

var fallbackRules = map[detect.PatternID]fallbackRule{
	detect.PatternResourceExhaustion: {
		rootCause:   "workload exceeded its memory limit and was killed",
		command:     "kubectl set resources deploy/%s --limits=memory=1Gi",
		description: "raise the memory limit to relieve pressure",
		rollback:    "kubectl set resources deploy/%s --limits=memory=512Mi",
		rollbackDsc: "restore the previous memory limit",
		risk:        RiskLow,
		confidence:  0.6,
	},
	detect.PatternDependencyUnavailable: {
		rootCause:   "a downstream dependency is refusing connections",
		command:     "kubectl rollout restart deploy/%s",
		description: "restart the workload to re-establish connections once the dependency recovers",
		rollback:    "kubectl rollout undo deploy/%s",
		rollbackDsc: "roll the deployment back to the prior revision",
		risk:        RiskMedium,
		confidence:  0.55,
	},
	detect.PatternPermissionDenied: {
		rootCause:   "the workload lacks permission for a required resource",
		command:     "kubectl auth reconcile -f /etc/remedyd/rbac/%s.yaml",
		description: "reapply the workload's RBAC bindings",
		rollback:    "kubectl delete -f /etc/remedyd/rbac/%s.yaml",
		rollbackDsc: "remove the reconciled bindings",
		risk:        RiskHigh,
		confidence:  0.5,
	},
	detect.PatternMissingResource: {
		rootCause:   "a file, mount, or referenced resource is missing",
		command:     "kubectl apply -f /etc/remedyd/manifests/%s.yaml",
		description: "recreate the missing resource from its manifest",
		rollback:    "kubectl delete -f /etc/remedyd/manifests/%s.yaml",
		rollbackDsc: "delete the recreated resource",
		risk:        RiskMedium,
		confidence:  0.5,
	},
	detect.PatternFatalCrash: {
		rootCause:   "the process crashed with a fatal error",
		command:     "kubectl rollout restart deploy/%s",
		description: "restart the workload to recover from the crash",
		rollback:    "kubectl rollout undo deploy/%s",
		rollbackDsc: "roll the deployment back to the prior revision",
		risk:        RiskMedium,
		confidence:  0.55,
	},
	detect.PatternPortConflict: {
		rootCause:   "the listen address is already in use",
		command:     "kubectl delete pod -l app=%s --grace-period=30",
		description: "recycle the pods holding the conflicting port",
		rollback:    "kubectl rollout restart deploy/%s",
		rollbackDsc: "restart the deployment to recreate the pods",
		risk:        RiskMedium,
		confidence:  0.5,
	},
}

// fallbackProposal builds the deterministic proposal for a pattern. Patterns
// without a rule cannot be remediated automatically and are left to manual
// investigation.
func (g *Generator) fallbackProposal(req Request, pattern detect.PatternID) (Proposal, error) {
	rule, ok := fallbackRules[pattern]
	if !ok {
		return Proposal{}, fmt.Errorf("no fallback rule for pattern %q", pattern)
	}

	return Proposal{
		ID:         uuid.NewString(),
		WorkflowID: req.WorkflowID,
		EntityID:   req.EntityID,
		RootCause:  rule.rootCause,
		ProposedAction: Action{
			Command:     fmt.Sprintf(rule.command, req.EntityID),
			Description: rule.description,
		},
		RiskLevel:  rule.risk,
		Confidence: rule.confidence,
		Rationale:  fmt.Sprintf("Static rule for pattern %s; generative backend unavailable.", pattern),
		RollbackAction: Action{
			Command:     fmt.Sprintf(rule.rollback, req.EntityID),
			Description: rule.rollbackDsc,
		},
		PatternID: string(pattern),
		Fallback:  true,
	}, nil
}
