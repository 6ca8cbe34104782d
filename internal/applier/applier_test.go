package applier

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pii-engine/internal/mapping"
	"pii-engine/internal/resolver"
)

func sub(start, end int, entity, substitute string, action mapping.Action) Substitution {
	return Substitution{
		Span:  resolver.Span{Start: start, End: end, EntityType: entity, Confidence: 0.9},
		Entry: mapping.Entry{EntityType: entity, Substitute: substitute, Action: action},
	}
}

func TestApplyDifferingLengths(t *testing.T) {
	text := "Al met bo@x.io at 10.0.0.1"
	out, items := Apply(text, []Substitution{
		sub(18, 26, "IP_ADDRESS", "<IP_ADDRESS_1>", mapping.Anonymize),
		sub(0, 2, "PERSON", "<PERSON_1>", mapping.Anonymize),
		sub(7, 14, "EMAIL_ADDRESS", "e", mapping.Anonymize),
	})
	assert.Equal(t, "<PERSON_1> met e at <IP_ADDRESS_1>", out)
	require.Len(t, items, 3)
	for i := 1; i < len(items); i++ {
		assert.LessOrEqual(t, items[i-1].Start, items[i].Start)
	}
	assert.Equal(t, "Al", items[0].Original)
	assert.Equal(t, "bo@x.io", items[1].Original)
	assert.Equal(t, "10.0.0.1", items[2].Original)
}

func TestIgnoreIsLossless(t *testing.T) {
	text := "call 555-123-4567 now"
	out, items := Apply(text, []Substitution{sub(5, 17, "PHONE_NUMBER", "<PHONE_NUMBER_1>", mapping.Ignore)})
	assert.Equal(t, text, out)
	require.Len(t, items, 1)
	assert.Equal(t, "555-123-4567", items[0].Anonymized)
	assert.Equal(t, mapping.Ignore, items[0].Action)
}

func TestApplySkipsInvalidSpans(t *testing.T) {
	text := "abcdef"
	out, items := Apply(text, []Substitution{
		sub(0, 3, "A", "X", mapping.Anonymize),
		sub(2, 4, "B", "Y", mapping.Anonymize),
		sub(5, 9, "C", "Z", mapping.Anonymize),
	})
	assert.Equal(t, "Xdef", out)
	assert.Len(t, items, 1)
}

func TestApplyNothing(t *testing.T) {
	out, items := Apply("unchanged", nil)
	assert.Equal(t, "unchanged", out)
	assert.Empty(t, items)
}
