// Package detect classifies diagnostic bundles into known causal patterns.
package detect

import (
	"regexp"
	"sync"
	"time"
	"unicode/utf8"
)

// PatternID names a causal classification (e.g. "resource_exhaustion").
type PatternID string

// Built-in pattern IDs.
const (
	PatternResourceExhaustion    PatternID = "resource_exhaustion"
	PatternDependencyUnavailable PatternID = "dependency_unavailable"
	PatternPermissionDenied      PatternID = "permission_denied"
	PatternMissingResource       PatternID = "missing_resource"
	PatternFatalCrash            PatternID = "fatal_crash"
	PatternPortConflict          PatternID = "port_conflict"
)

const (
	// maxSignals caps how many raw signals a bundle carries.
	maxSignals = 200
	// maxSignalBytes truncates individual signals to bound predicate cost.
	maxSignalBytes = 16 * 1024
)

// Bundle is an immutable diagnostic bundle: the ordered raw text signals
// (logs, events) collected for one entity during the diagnose step.
type Bundle struct {
	EntityID    string    `json:"entity_id"`
	Signals     []string  `json:"signals"`
	CollectedAt time.Time `json:"collected_at"`
}

// NewBundle builds a bundle, enforcing the signal count and size bounds.
func NewBundle(entityID string, signals []string) Bundle {
	if len(signals) > maxSignals {
		signals = signals[len(signals)-maxSignals:]
	}
	bounded := make([]string, len(signals))
	for i, sig := range signals {
		if len(sig) > maxSignalBytes {
			// Back off to a rune boundary so the cut never produces
			// invalid UTF-8.
			cut := maxSignalBytes
			for cut > 0 && !utf8.RuneStart(sig[cut]) {
				cut--
			}
			sig = sig[:cut]
		}
		bounded[i] = sig
	}
	return Bundle{
		EntityID:    entityID,
		Signals:     bounded,
		CollectedAt: time.Now().UTC(),
	}
}

// Predicate reports whether a bundle exhibits a pattern. Predicates are pure
// functions over the bundle's text signals.
type Predicate func(Bundle) bool

// Pattern pairs an ID with its predicate and a short description used when
// building fix-generation prompts.
type Pattern struct {
	ID          PatternID
	Description string
	Predicate   Predicate
}

// Detector evaluates a registered table of patterns against bundles.
//
// Patterns are evaluated independently in registration order and are
// non-exclusive: a bundle may match several patterns, or none. New patterns
// register without touching existing predicate logic.
type Detector struct {
	mu       sync.RWMutex
	patterns []Pattern
	byID     map[PatternID]int
}

// NewDetector creates a detector preloaded with the built-in patterns.
func NewDetector() *Detector {
	d := &Detector{byID: make(map[PatternID]int)}
	for _, p := range builtinPatterns() {
		d.Register(p)
	}
	return d
}

// Register adds a pattern to the table. Re-registering an existing ID
// replaces its predicate in place, keeping evaluation order stable.
func (d *Detector) Register(p Pattern) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if idx, ok := d.byID[p.ID]; ok {
		d.patterns[idx] = p
		return
	}
	d.byID[p.ID] = len(d.patterns)
	d.patterns = append(d.patterns, p)
}

// Detect returns the IDs of all patterns the bundle matches, in registration
// order. Zero matches yields an empty slice; downstream treats that as
// "unknown cause, manual investigation required", never as an error.
func (d *Detector) Detect(bundle Bundle) []PatternID {
	d.mu.RLock()
	defer d.mu.RUnlock()

	matched := make([]PatternID, 0, 2)
	for _, p := range d.patterns {
		if p.Predicate(bundle) {
			matched = append(matched, p.ID)
		}
	}
	return matched
}

// Pattern returns the registered pattern for an ID.
func (d *Detector) Pattern(id PatternID) (Pattern, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	idx, ok := d.byID[id]
	if !ok {
		return Pattern{}, false
	}
	return d.patterns[idx], true
}

// matchAny builds a predicate that is true when any signal matches the regex.
func matchAny(re *regexp.Regexp) Predicate {
	return func(b Bundle) bool {
		for _, sig := range b.Signals {
			if re.MatchString(sig) {
				return true
			}
		}
		return false
	}
}

// builtinPatterns returns the default pattern table. All regexes are
// case-insensitive keyword matches over log/event text.
func builtinPatterns() []Pattern {
	return []Pattern{
		{
			ID:          PatternResourceExhaustion,
			Description: "workload killed or throttled after exhausting memory or CPU limits",
			Predicate: matchAny(regexp.MustCompile(
				`(?i)(out\s+of\s+memory|oom[-\s]?kill|oomkilled|memory\s+limit\s+exceeded|cannot\s+allocate\s+memory|signal:\s*killed|sigkill)`)),
		},
		{
			ID:          PatternDependencyUnavailable,
			Description: "a downstream dependency is unreachable or refusing connections",
			Predicate: matchAny(regexp.MustCompile(
				`(?i)(connection\s+refused|no\s+route\s+to\s+host|dial\s+tcp.*(timeout|refused)|upstream\s+unavailable|name\s+resolution\s+failed|no\s+such\s+host)`)),
		},
		{
			ID:          PatternPermissionDenied,
			Description: "an operation failed due to missing permissions or RBAC denial",
			Predicate: matchAny(regexp.MustCompile(
				`(?i)(permission\s+denied|access\s+denied|forbidden|unauthorized|operation\s+not\s+permitted|rbac)`)),
		},
		{
			ID:          PatternMissingResource,
			Description: "a required file, mount, or object does not exist",
			Predicate: matchAny(regexp.MustCompile(
				`(?i)(no\s+such\s+file\s+or\s+directory|not\s+found|failed\s+to\s+mount|missing\s+(volume|configmap|secret|file))`)),
		},
		{
			ID:          PatternFatalCrash,
			Description: "the process crashed with a panic or fatal error trace",
			Predicate: matchAny(regexp.MustCompile(
				`(?i)(panic:|fatal\s+error|segmentation\s+fault|segfault|runtime\s+error:|stack\s+trace:|goroutine\s+\d+\s+\[running\])`)),
		},
		{
			ID:          PatternPortConflict,
			Description: "the process failed to bind a port that is already in use",
			Predicate: matchAny(regexp.MustCompile(
				`(?i)(address\s+already\s+in\s+use|bind:\s*address|port\s+\d+\s+is\s+(already\s+)?in\s+use|eaddrinuse)`)),
		},
	}
}
