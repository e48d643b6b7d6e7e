package address

import (
	"strings"
	"unicode"
)

const (
	minCueTokenLen       = 3
	prefixSimilarity     = 0.5
	editSimilarity       = 0.58
	minSharedConsonants  = 2
	minSharedPrefixRunes = 2
	maxSharedPrefixRunes = 3
)

var genericNameWords = map[string]struct{}{
	"bot": {}, "ai": {}, "the": {}, "mr": {}, "ms": {}, "mrs": {}, "dr": {}, "assistant": {}, "gpt": {},
}

// HasNameCue reports whether transcript contains the bot's most
// distinctive name token or a phonetic near-miss of it ("clanka" for
// "clanker"). It makes no model call.
func HasNameCue(transcript, botName string) bool {
	name := distinctiveToken(botName)
	if name == "" {
		return false
	}
	for _, tok := range tokenize(transcript) {
		if len([]rune(tok)) < minCueTokenLen {
			continue
		}
		if tokenMatches(tok, name) {
			return true
		}
	}
	return false
}

func tokenMatches(tok, name string) bool {
	if tok == name {
		return true
	}
	shared := sharedConsonants(tok, name)
	if shared < minSharedConsonants {
		return false
	}
	sim := similarity(tok, name)
	if p := commonPrefix(tok, name); p >= minSharedPrefixRunes && sim >= prefixSimilarity {
		return true
	}
	return sim >= editSimilarity
}

// distinctiveToken prefers the longest non-generic token of at least four
// letters, then any non-generic token, then the whole name.
func distinctiveToken(name string) string {
	tokens := tokenize(name)
	best := ""
	for _, tok := range tokens {
		if _, generic := genericNameWords[tok]; generic {
			continue
		}
		if len([]rune(tok)) > len([]rune(best)) {
			best = tok
		}
	}
	if best != "" {
		return best
	}
	if len(tokens) > 0 {
		return tokens[0]
	}
	return ""
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func commonPrefix(a, b string) int {
	ar, br := []rune(a), []rune(b)
	n := 0
	for n < len(ar) && n < len(br) && n < maxSharedPrefixRunes && ar[n] == br[n] {
		n++
	}
	return n
}

func sharedConsonants(a, b string) int {
	set := consonants(a)
	n := 0
	for r := range consonants(b) {
		if _, ok := set[r]; ok {
			n++
		}
	}
	return n
}

func consonants(s string) map[rune]struct{} {
	out := make(map[rune]struct{})
	for _, r := range s {
		if unicode.IsLetter(r) && !strings.ContainsRune("aeiouy", r) {
			out[r] = struct{}{}
		}
	}
	return out
}

// similarity is 1 - levenshtein/maxLen.
func similarity(a, b string) float64 {
	ar, br := []rune(a), []rune(b)
	longest := len(ar)
	if len(br) > longest {
		longest = len(br)
	}
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein(ar, br))/float64(longest)
}

func levenshtein(a, b []rune) int {
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}
