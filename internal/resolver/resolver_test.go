package resolver

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pii-engine/internal/detector"
	"pii-engine/internal/recognizer"
)

func cand(start, end int, entity string, conf float64, idx int, custom bool) detector.Candidate {
	return detector.Candidate{Start: start, End: end, EntityType: entity, Confidence: conf, RecognizerIndex: idx, Custom: custom}
}

func TestConflictPolicy(t *testing.T) {
	tests := []struct {
		name   string
		a, b   detector.Candidate
		winner string
	}{
		{"custom beats higher-confidence builtin", cand(0, 5, "CUSTOM", 0.4, 20, true), cand(0, 9, "BUILTIN", 0.99, 1, false), "CUSTOM"},
		{"higher confidence wins", cand(0, 5, "HIGH", 0.9, 5, false), cand(2, 12, "LOW", 0.8, 1, false), "HIGH"},
		{"longer wins on equal confidence", cand(0, 5, "SHORT", 0.7, 1, false), cand(0, 8, "LONG", 0.7, 5, false), "LONG"},
		{"earlier registration wins on full tie", cand(0, 5, "LATE", 0.7, 9, false), cand(2, 7, "EARLY", 0.7, 3, false), "EARLY"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, order := range [][]detector.Candidate{{tt.a, tt.b}, {tt.b, tt.a}} {
				got := Resolve(order, 0)
				require.Len(t, got, 1)
				assert.Equal(t, tt.winner, got[0].EntityType)
			}
		})
	}
}

func TestThresholdDropsBeforeResolution(t *testing.T) {
	// The low-confidence candidate would have won on length; once dropped
	// the shorter one survives.
	got := Resolve([]detector.Candidate{
		cand(0, 20, "NOISE", 0.2, 0, false),
		cand(5, 10, "SIGNAL", 0.1, 1, false),
		cand(12, 18, "REAL", 0.6, 2, false),
	}, 0.3)
	require.Len(t, got, 1)
	assert.Equal(t, "REAL", got[0].EntityType)
}

func TestBoundsAreEnforced(t *testing.T) {
	got := ResolveBounded([]detector.Candidate{
		cand(-1, 3, "NEG", 0.9, 0, false),
		cand(4, 4, "EMPTY", 0.9, 0, false),
		cand(8, 30, "PAST_END", 0.9, 0, false),
		cand(0, 3, "OK", 0.9, 0, false),
	}, 10, 0)
	require.Len(t, got, 1)
	assert.Equal(t, "OK", got[0].EntityType)
}

func TestResolveIsIdempotentAndOrdered(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 200; round++ {
		var cands []detector.Candidate
		for i := 0; i < 30; i++ {
			start := rng.Intn(200)
			cands = append(cands, cand(start, start+1+rng.Intn(25), "T", float64(rng.Intn(10))/10, rng.Intn(8), rng.Intn(6) == 0))
		}
		first := Resolve(cands, 0.3)
		require.True(t, NonOverlapping(first), "round %d", round)
		for _, s := range first {
			assert.GreaterOrEqual(t, s.Confidence, 0.3)
		}
		assert.Equal(t, first, Resolve(first, 0.3), "round %d", round)

		shuffled := append([]detector.Candidate(nil), cands...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		assert.Equal(t, first, Resolve(shuffled, 0.3), "round %d: input order changed result", round)
	}
}

func TestCustomRecognizerWinsOverGenericBuiltin(t *testing.T) {
	active, warnings := recognizer.MustNewRegistry().Active([]recognizer.CustomRecognizer{
		{EntityType: "EMPLOYEE_ID", Pattern: `EMP-\d{5}`, Confidence: 0.9},
	})
	require.Empty(t, warnings)
	text := "Badge EMP-00231 issued"
	cands := detector.New(detector.ContextKeyword).Detect(text, active)

	var builtinOverlap bool
	for _, c := range cands {
		if !c.Custom && c.Start < 15 && c.End > 6 {
			builtinOverlap = true
		}
	}
	require.True(t, builtinOverlap, "expected a built-in candidate overlapping the badge id")

	spans := ResolveBounded(cands, len(text), SensitivityHigh)
	require.Len(t, spans, 1)
	assert.Equal(t, "EMPLOYEE_ID", spans[0].EntityType)
	assert.Equal(t, "EMP-00231", spans[0].Text)
}

func TestThresholdFor(t *testing.T) {
	for in, want := range map[string]float64{"": SensitivityHigh, "HIGH": SensitivityHigh, "medium": SensitivityMedium, "low": SensitivityLow} {
		got, err := ThresholdFor(in)
		require.NoError(t, err)
		assert.InDelta(t, want, got, 1e-9)
	}
	_, err := ThresholdFor("paranoid")
	assert.Error(t, err)
}
