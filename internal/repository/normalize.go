package repository

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// minEntryLength drops list entries shorter than this many runes.
const minEntryLength = 3

// minKeywordLength keeps title tokens strictly longer than this many runes.
const minKeywordLength = 3

var stopWords = toSet(
	// fr
	"le", "la", "les", "un", "une", "des", "du", "de", "d", "l", "et", "ou", "en", "au", "aux",
	"par", "pour", "sur", "sous", "avec", "sans", "dans", "entre", "vers", "chez", "selon",
	"que", "qui", "quoi", "dont", "où", "ce", "cet", "cette", "ces", "son", "sa", "ses",
	"leur", "leurs", "notre", "nos", "votre", "vos", "mon", "ma", "mes", "est", "sont",
	"être", "avoir", "fait", "faire", "tout", "tous", "toute", "toutes", "plus", "moins",
	"lors", "afin", "ainsi", "comme", "mais", "donc", "car", "quand", "lorsque", "autre",
	"autres", "même", "après", "avant", "contre",
	// en
	"the", "and", "for", "with", "from", "that", "this", "these", "those", "into", "over",
	"under", "about", "when", "where", "which", "while", "other",
)

func toSet(words ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(words))
	for _, w := range words {
		out[w] = struct{}{}
	}
	return out
}

// foldASCII decomposes s (NFKD) and drops combining marks and any rune that
// is still outside ASCII.
func foldASCII(s string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	var b strings.Builder
	b.Grow(len(folded))
	for _, r := range folded {
		if r < utf8.RuneSelf {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Slug derives a stable ASCII id: lowercase, runs of non-alphanumerics
// collapsed to a single underscore, prefixed with "id_" unless it starts
// with a letter.
func Slug(s string) string {
	folded := strings.ToLower(foldASCII(s))
	var b strings.Builder
	b.Grow(len(folded))
	pendingSep := false
	for _, r := range folded {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(r)
			continue
		}
		pendingSep = true
	}
	out := b.String()
	if out == "" || out[0] < 'a' || out[0] > 'z' {
		out = "id_" + out
	}
	return strings.TrimSuffix(out, "_")
}

// ClauseID is the record id for a candidate of the given type and title.
func ClauseID(clauseType, title string) string {
	return Slug(clauseType + "_" + title)
}

// NormalizeList trims entries, drops those shorter than three runes and
// removes duplicates while keeping first-seen order.
func NormalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, raw := range in {
		entry := strings.TrimSpace(raw)
		if utf8.RuneCountInString(entry) < minEntryLength {
			continue
		}
		if _, ok := seen[entry]; ok {
			continue
		}
		seen[entry] = struct{}{}
		out = append(out, entry)
	}
	return out
}

// TitleKeywords tokenizes title and keeps lowercase tokens longer than three
// runes that are not stop words.
func TitleKeywords(title string) []string {
	tokens := strings.FieldsFunc(strings.ToLower(title), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := make([]string, 0, len(tokens))
	seen := make(map[string]struct{}, len(tokens))
	for _, tok := range tokens {
		if utf8.RuneCountInString(tok) <= minKeywordLength {
			continue
		}
		if _, stop := stopWords[tok]; stop {
			continue
		}
		if _, dup := seen[tok]; dup {
			continue
		}
		seen[tok] = struct{}{}
		out = append(out, tok)
	}
	return out
}

// Keywords combines title tokens, model keywords and the clause type.
func Keywords(title string, model []string, clauseType string) []string {
	combined := TitleKeywords(title)
	for _, kw := range model {
		combined = append(combined, strings.ToLower(strings.TrimSpace(kw)))
	}
	if clauseType != "" {
		combined = append(combined, strings.ToLower(clauseType))
	}
	return NormalizeList(combined)
}

// Union appends the entries of add missing from base, keeping base order.
func Union(base, add []string) []string {
	out := make([]string, 0, len(base)+len(add))
	seen := make(map[string]struct{}, len(base)+len(add))
	for _, list := range [][]string{base, add} {
		for _, v := range list {
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}

// longer returns b only when it is strictly longer than a.
func longer(a, b string) string {
	if utf8.RuneCountInString(b) > utf8.RuneCountInString(a) {
		return b
	}
	return a
}
