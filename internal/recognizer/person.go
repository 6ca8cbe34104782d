package recognizer

import (
	"regexp"
	"strings"
)

var heuristics = map[string]MatchFunc{
	"person_name": findPersonNames,
}

// personRe matches runs of two or three capitalized words with an optional
// middle initial. Candidate runs are then trimmed of common capitalized
// non-name words.
var personRe = regexp.MustCompile(
	`\b[A-Z][a-z]+(?:['\-][A-Z]?[a-z]+)?(?:[ \t]+[A-Z]\.)?(?:[ \t]+[A-Z][a-z]+(?:['\-][A-Z]?[a-z]+)?){1,2}\b`,
)

// notNames are capitalized words that commonly start sentences, head
// letters, or belong to place names and dates.
var notNames = toSet([]string{
	"the", "this", "that", "these", "those", "there", "here", "when", "where", "what", "who", "why", "how",
	"hello", "hi", "hey", "dear", "thanks", "thank", "please", "regards", "best", "kind", "sincerely", "yours", "cheers",
	"mr", "mrs", "ms", "miss", "dr", "prof", "sir", "madam",
	"monday", "tuesday", "wednesday", "thursday", "friday", "saturday", "sunday",
	"january", "february", "march", "april", "may", "june", "july", "august", "september", "october", "november", "december",
	"street", "avenue", "road", "lane", "drive", "court", "boulevard", "way", "place",
	"inc", "ltd", "llc", "corp", "company", "team", "department", "group", "bank", "university",
	"subject", "from", "to", "cc", "date", "note", "re", "fw", "fwd",
	"contact", "call", "email", "phone", "address", "account", "card", "badge", "number", "social", "security",
	"united", "states", "kingdom", "new", "north", "south", "east", "west", "city", "county",
	"and", "or", "but", "for", "with", "of", "in", "on", "at", "by", "an", "a", "my", "our", "your", "his", "her",
})

type word struct {
	start, end int
	initial    bool
}

func findPersonNames(text string) [][2]int {
	var out [][2]int
	for _, loc := range personRe.FindAllStringIndex(text, -1) {
		words := splitWords(text, loc[0], loc[1])
		for len(words) > 0 && isNotName(text, words[0]) {
			words = words[1:]
		}
		for len(words) > 0 && isNotName(text, words[len(words)-1]) {
			words = words[:len(words)-1]
		}
		if !plausibleName(text, words) {
			continue
		}
		out = append(out, [2]int{words[0].start, words[len(words)-1].end})
	}
	return out
}

func splitWords(text string, start, end int) []word {
	var words []word
	i := start
	for i < end {
		for i < end && (text[i] == ' ' || text[i] == '\t') {
			i++
		}
		j := i
		for j < end && text[j] != ' ' && text[j] != '\t' {
			j++
		}
		if j > i {
			w := word{start: i, end: j}
			w.initial = j-i == 2 && text[j-1] == '.'
			words = append(words, w)
		}
		i = j
	}
	return words
}

func isNotName(text string, w word) bool {
	if w.initial {
		return true
	}
	return notNames[strings.ToUpper(text[w.start:w.end])]
}

func plausibleName(text string, words []word) bool {
	full := 0
	for _, w := range words {
		if w.initial {
			continue
		}
		if notNames[strings.ToUpper(text[w.start:w.end])] {
			return false
		}
		full++
	}
	return full >= 2
}
