package detect

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectBuiltins(t *testing.T) {
	d := NewDetector()

	tests := []struct {
		name    string
		signals []string
		want    []PatternID
	}{
		{
			name:    "out of memory",
			signals: []string{"container killed", "reason: OOMKilled", "exit code 137"},
			want:    []PatternID{PatternResourceExhaustion},
		},
		{
			name:    "oom phrase in logs",
			signals: []string{"runtime: out of memory"},
			want:    []PatternID{PatternResourceExhaustion},
		},
		{
			name:    "connection refused",
			signals: []string{`dial tcp 10.0.0.5:5432: connect: connection refused`},
			want:    []PatternID{PatternDependencyUnavailable},
		},
		{
			name:    "rbac denial",
			signals: []string{"error: pods is forbidden: User cannot list resource"},
			want:    []PatternID{PatternPermissionDenied},
		},
		{
			name:    "missing mount",
			signals: []string{"MountVolume.SetUp failed: configmap \"app-config\" not found"},
			want:    []PatternID{PatternMissingResource},
		},
		{
			name:    "panic trace",
			signals: []string{"panic: runtime error: invalid memory address", "goroutine 1 [running]"},
			want:    []PatternID{PatternFatalCrash},
		},
		{
			name:    "port in use",
			signals: []string{"listen tcp :8080: bind: address already in use"},
			want:    []PatternID{PatternPortConflict},
		},
		{
			name:    "no match yields empty set",
			signals: []string{"service started", "listening on :8080"},
			want:    []PatternID{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := d.Detect(NewBundle("api-1", tt.signals))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDetectMultipleMatches(t *testing.T) {
	d := NewDetector()
	b := NewBundle("api-1", []string{
		"panic: out of memory",
		"goroutine 7 [running]",
	})

	got := d.Detect(b)
	assert.Equal(t, []PatternID{PatternResourceExhaustion, PatternFatalCrash}, got)
}

func TestRegisterCustomPattern(t *testing.T) {
	d := NewDetector()
	d.Register(Pattern{
		ID:          "certificate_expired",
		Description: "TLS certificate expired",
		Predicate: func(b Bundle) bool {
			for _, sig := range b.Signals {
				if strings.Contains(strings.ToLower(sig), "certificate has expired") {
					return true
				}
			}
			return false
		},
	})

	got := d.Detect(NewBundle("api-1", []string{"x509: certificate has expired or is not yet valid"}))
	assert.Equal(t, []PatternID{"certificate_expired"}, got)

	// Built-ins are untouched.
	got = d.Detect(NewBundle("api-1", []string{"reason: OOMKilled"}))
	assert.Equal(t, []PatternID{PatternResourceExhaustion}, got)
}

func TestRegisterReplacesInPlace(t *testing.T) {
	d := NewDetector()
	d.Register(Pattern{
		ID:        PatternPortConflict,
		Predicate: func(Bundle) bool { return true },
	})

	got := d.Detect(NewBundle("api-1", []string{"nothing interesting"}))
	assert.Equal(t, []PatternID{PatternPortConflict}, got)

	p, ok := d.Pattern(PatternPortConflict)
	require.True(t, ok)
	assert.Equal(t, PatternPortConflict, p.ID)
}

func TestBundleBounds(t *testing.T) {
	signals := make([]string, maxSignals+50)
	for i := range signals {
		signals[i] = "line"
	}
	signals[len(signals)-1] = strings.Repeat("x", maxSignalBytes+100)

	b := NewBundle("api-1", signals)
	assert.Len(t, b.Signals, maxSignals)
	assert.Len(t, b.Signals[len(b.Signals)-1], maxSignalBytes)
	assert.Equal(t, "api-1", b.EntityID)
	assert.False(t, b.CollectedAt.IsZero())
}

func TestBundleTruncatesOnRuneBoundary(t *testing.T) {
	// Place a multi-byte rune straddling the byte limit; the cut must back
	// off to the boundary instead of leaving a partial encoding.
	sig := strings.Repeat("x", maxSignalBytes-1) + "日本語"

	b := NewBundle("api-1", []string{sig})
	got := b.Signals[0]

	assert.True(t, utf8.ValidString(got))
	assert.LessOrEqual(t, len(got), maxSignalBytes)
	assert.Equal(t, strings.Repeat("x", maxSignalBytes-1), got)

	// A signal already within bounds is untouched.
	b = NewBundle("api-1", []string{"日本語のログ"})
	assert.Equal(t, "日本語のログ", b.Signals[0])
}
