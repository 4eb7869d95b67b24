package scopus

import (
	"slices"
	"strings"
)

// AllDocTypes lists every Scopus document subtype code.
var AllDocTypes = []string{"ar", "ab", "bk", "bz", "ch", "cp", "cr", "ed", "er", "le", "no", "pr", "re", "sh"}

// DefaultExcludedDocTypes are dropped from searches unless configured otherwise.
var DefaultExcludedDocTypes = []string{"bk", "ch", "ed", "er", "le", "no", "pr", "re", "sh"}

// AllowedDocTypes returns AllDocTypes minus the excluded codes, in canonical order.
func AllowedDocTypes(excluded []string) []string {
	out := make([]string, 0, len(AllDocTypes))
	for _, dt := range AllDocTypes {
		if !slices.Contains(excluded, dt) {
			out = append(out, dt)
		}
	}
	return out
}

// BuildQuery assembles the upstream query expression for one category.
func BuildQuery(query, category string, docTypes []string) string {
	var b strings.Builder
	b.WriteString("ABS(")
	b.WriteString(EscapeQuery(query))
	b.WriteString(") AND SUBJAREA(")
	b.WriteString(category)
	b.WriteString(")")
	if len(docTypes) > 0 {
		b.WriteString(" AND DOCTYPE(")
		b.WriteString(strings.Join(docTypes, " OR "))
		b.WriteString(")")
	}
	return b.String()
}

// EscapeQuery quotes every phrase between the uppercase boolean operators
// AND NOT, AND and OR. Lowercase operators stay part of the phrase text.
func EscapeQuery(query string) string {
	words := strings.Fields(query)
	var (
		out       []string
		phrase    []string
		pendingOp string
	)
	flush := func() {
		p := strings.TrimSpace(strings.ReplaceAll(strings.Join(phrase, " "), `"`, ""))
		phrase = phrase[:0]
		if p == "" {
			return
		}
		if len(out) > 0 {
			out = append(out, pendingOp)
		}
		out = append(out, `"`+p+`"`)
	}

	for i := 0; i < len(words); i++ {
		switch words[i] {
		case "AND":
			flush()
			if i+1 < len(words) && words[i+1] == "NOT" {
				pendingOp = "AND NOT"
				i++
			} else {
				pendingOp = "AND"
			}
		case "OR":
			flush()
			pendingOp = "OR"
		default:
			phrase = append(phrase, words[i])
		}
	}
	flush()
	return strings.Join(out, " ")
}
