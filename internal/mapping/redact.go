package mapping

import (
	"strings"
	"unicode"
)

// MaskRune replaces hidden characters in redacted values.
const MaskRune = '*'

// keepLast lists entity types whose redaction keeps a trailing hint of
// that many letters or digits. Separators are always preserved.
var keepLast = map[string]int{
	"US_SSN":       4,
	"CREDIT_CARD":  4,
	"PHONE_NUMBER": 4,
	"IBAN_CODE":    4,
	"API_KEY":      4,
}

const defaultKeepLast = 2

// RedactValue masks a value according to its entity type's redaction rule.
// The result is a pure function of the value and type.
func RedactValue(original, entityType string) string {
	switch entityType {
	case "EMAIL_ADDRESS":
		if r, ok := redactEmail(original); ok {
			return r
		}
	case "PERSON":
		return redactName(original)
	}
	n, ok := keepLast[entityType]
	if !ok {
		n = defaultKeepLast
	}
	return maskAllButLast(original, n)
}

// redactEmail keeps the first character of the local part and the top
// level domain: john.smith@email.com becomes j***@***.com.
func redactEmail(s string) (string, bool) {
	at := strings.LastIndexByte(s, '@')
	if at <= 0 || at == len(s)-1 {
		return "", false
	}
	local, domain := []rune(s[:at]), s[at+1:]
	var b strings.Builder
	b.WriteRune(local[0])
	b.WriteString("***@***")
	if dot := strings.LastIndexByte(domain, '.'); dot >= 0 {
		b.WriteString(domain[dot:])
	}
	return b.String(), true
}

// redactName keeps the initial of every word: John Smith becomes J*** S****.
func redactName(s string) string {
	var b strings.Builder
	start := true
	for _, r := range s {
		switch {
		case !unicode.IsLetter(r) && !unicode.IsDigit(r):
			b.WriteRune(r)
			start = true
		case start:
			b.WriteRune(r)
			start = false
		default:
			b.WriteRune(MaskRune)
		}
	}
	return b.String()
}

func maskAllButLast(s string, keep int) string {
	runes := []rune(s)
	total := 0
	for _, r := range runes {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			total++
		}
	}
	if total <= keep {
		keep = 0
	}
	masked := total - keep
	for i, r := range runes {
		if masked == 0 {
			break
		}
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			runes[i] = MaskRune
			masked--
		}
	}
	return string(runes)
}
