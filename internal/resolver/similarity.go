package resolver

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Legal suffixes stripped before comparison: "Acme Inc" and "Acme"
// describe the same organization.
var legalSuffixes = []string{
	"inc", "llc", "ltd", "corp", "co", "gmbh", "plc", "oao", "ooo", "zao", "pao",
}

// NormalizeSite reduces a website to its bare host: scheme, www prefix,
// path and trailing slashes are stripped.
func NormalizeSite(site string) string {
	site = strings.ToLower(strings.TrimSpace(site))
	if site == "" {
		return ""
	}

	for _, prefix := range []string{"https://", "http://"} {
		site = strings.TrimPrefix(site, prefix)
	}
	site = strings.TrimPrefix(site, "www.")

	if idx := strings.IndexAny(site, "/?#"); idx != -1 {
		site = site[:idx]
	}

	return strings.TrimSuffix(site, ".")
}

// NormalizeName lowercases a name and strips punctuation and trailing
// legal suffixes.
func NormalizeName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.NewReplacer(",", " ", ".", " ", "\"", " ", "'", " ").Replace(name)

	words := strings.Fields(name)
	for len(words) > 1 && isLegalSuffix(words[len(words)-1]) {
		words = words[:len(words)-1]
	}

	return strings.Join(words, " ")
}

func isLegalSuffix(word string) bool {
	for _, suffix := range legalSuffixes {
		if word == suffix {
			return true
		}
	}
	return false
}

// Similarity scores two organization names in [0,1] as an edit-distance
// ratio over their normalized forms.
func Similarity(a, b string) float64 {
	a = NormalizeName(a)
	b = NormalizeName(b)

	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(a, b, false)
	distance := dmp.DiffLevenshtein(diffs)

	longest := len([]rune(a))
	if l := len([]rune(b)); l > longest {
		longest = l
	}

	return 1 - float64(distance)/float64(longest)
}
