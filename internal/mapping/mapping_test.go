package mapping

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAction(t *testing.T) {
	for in, want := range map[string]Action{"": Anonymize, "Redact": Redact, " tokenize ": Tokenize, "ignore": Ignore} {
		got, err := ParseAction(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseAction("encrypt")
	assert.True(t, errors.Is(err, ErrInvalidAction))
}

func TestAnonymizeOrdinalsFollowFirstUse(t *testing.T) {
	s := NewScope()
	assert.Equal(t, "<EMAIL_ADDRESS_1>", s.Map("a@x.com", "EMAIL_ADDRESS", Anonymize).Substitute)
	assert.Equal(t, "<PERSON_1>", s.Map("John Smith", "PERSON", Anonymize).Substitute)
	assert.Equal(t, "<EMAIL_ADDRESS_2>", s.Map("b@x.com", "EMAIL_ADDRESS", Anonymize).Substitute)
	assert.Equal(t, "<EMAIL_ADDRESS_1>", s.Map("a@x.com", "EMAIL_ADDRESS", Anonymize).Substitute)

	hits, misses := s.Stats()
	assert.Equal(t, 1, hits)
	assert.Equal(t, 3, misses)

	var originals []string
	for _, e := range s.Entries() {
		originals = append(originals, e.Original)
	}
	assert.Equal(t, []string{"a@x.com", "John Smith", "b@x.com"}, originals)
}

func TestSameValueDifferentTypeIsDistinct(t *testing.T) {
	s := NewScope()
	a := s.Map("123456789", "US_SSN", Anonymize)
	b := s.Map("123456789", "BANK_ACCOUNT", Anonymize)
	assert.NotEqual(t, a.Substitute, b.Substitute)
}

func TestConsistencyAcrossActions(t *testing.T) {
	values := []string{"john@a.com", "mary@b.org", "john@a.com", "zed@c.net", "mary@b.org"}
	for _, action := range []Action{Anonymize, Redact, Tokenize, Ignore} {
		s := NewScope()
		first := map[string]string{}
		for _, v := range values {
			got := s.Map(v, "EMAIL_ADDRESS", action).Substitute
			if prev, ok := first[v]; ok {
				assert.Equal(t, prev, got, "action=%s value=%s", action, v)
			}
			first[v] = got
		}
	}
}

func TestTokensUniqueWithinScope(t *testing.T) {
	s := NewScope()
	seen := map[string]string{}
	for i := 0; i < 500; i++ {
		v := strings.Repeat("x", i%7) + string(rune('a'+i%26)) + strings.Repeat("9", i/26)
		e := s.Map(v, "ID", Tokenize)
		require.True(t, strings.HasPrefix(e.Substitute, TokenPrefix))
		assert.Len(t, e.Substitute, len(TokenPrefix)+12)
		if prev, ok := seen[e.Substitute]; ok {
			assert.Equal(t, prev, v, "token collision")
		}
		seen[e.Substitute] = v
	}
}

func TestTokenCollisionBumpsSalt(t *testing.T) {
	taken := Token("alice", "PERSON", 0)
	s := ScopeFromEntries([]Entry{{Original: "bob", EntityType: "PERSON", Substitute: taken, Action: Tokenize}})
	e := s.Map("alice", "PERSON", Tokenize)
	assert.Equal(t, Token("alice", "PERSON", 1), e.Substitute)
}

func TestScopeFromEntriesReusesAndContinues(t *testing.T) {
	stored := []Entry{
		{Original: "a@x.com", EntityType: "EMAIL_ADDRESS", Substitute: "<EMAIL_ADDRESS_1>", Action: Anonymize},
		{Original: "b@x.com", EntityType: "EMAIL_ADDRESS", Substitute: "<EMAIL_ADDRESS_4>", Action: Anonymize},
	}
	s := ScopeFromEntries(stored)
	assert.Equal(t, "<EMAIL_ADDRESS_4>", s.Map("b@x.com", "EMAIL_ADDRESS", Anonymize).Substitute)
	assert.Equal(t, "<EMAIL_ADDRESS_5>", s.Map("c@x.com", "EMAIL_ADDRESS", Anonymize).Substitute)
	assert.Len(t, s.All(), 3)
	assert.Len(t, s.Entries(), 2)
	require.Len(t, s.Changed(), 1)
	assert.Equal(t, "c@x.com", s.Changed()[0].Original)
}

func TestActionMismatchRederives(t *testing.T) {
	s := ScopeFromEntries([]Entry{{Original: "123-45-6789", EntityType: "US_SSN", Substitute: "<US_SSN_1>", Action: Anonymize}})
	e := s.Map("123-45-6789", "US_SSN", Redact)
	assert.Equal(t, "***-**-6789", e.Substitute)
	assert.Equal(t, Redact, e.Action)
	assert.Len(t, s.All(), 1)

	again, ok := s.Lookup("123-45-6789", "US_SSN")
	require.True(t, ok)
	assert.Equal(t, e, again)
}

func TestIgnoreKeepsOriginal(t *testing.T) {
	e := NewScope().Map("John Smith", "PERSON", Ignore)
	assert.Equal(t, "John Smith", e.Substitute)
}

func TestRedactValue(t *testing.T) {
	tests := []struct {
		value, entity, want string
	}{
		{"123-45-6789", "US_SSN", "***-**-6789"},
		{"4111 1111 1111 1111", "CREDIT_CARD", "**** **** **** 1111"},
		{"555-123-4567", "PHONE_NUMBER", "***-***-4567"},
		{"john.smith@email.com", "EMAIL_ADDRESS", "j***@***.com"},
		{"John Smith", "PERSON", "J*** S****"},
		{"Jos\u00e9 Garc\u00eda", "PERSON", "J*** G*****"},
		{"192.168.1.20", "IP_ADDRESS", "***.***.*.20"},
		{"ab", "US_ZIP_CODE", "**"},
		{"not-an-email@", "EMAIL_ADDRESS", "***-**-***il@"},
	}
	for _, tt := range tests {
		t.Run(tt.entity+"/"+tt.value, func(t *testing.T) {
			assert.Equal(t, tt.want, RedactValue(tt.value, tt.entity))
		})
	}
}
