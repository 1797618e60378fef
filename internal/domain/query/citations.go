package query

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"
)

const snippetBoundChars = 280

// buildSnippet bounds text to roughly snippetBoundChars, centered on the
// first query-term match when one exists so the snippet stays relevant
// rather than always showing the chunk's opening characters.
func buildSnippet(text, query string) string {
	runes := []rune(text)
	if len(runes) <= snippetBoundChars {
		return text
	}
	anchor := firstMatchOffset(runes, query)
	half := snippetBoundChars / 2
	start := anchor - half
	if start < 0 {
		start = 0
	}
	end := start + snippetBoundChars
	if end > len(runes) {
		end = len(runes)
		start = end - snippetBoundChars
		if start < 0 {
			start = 0
		}
	}
	snippet := string(runes[start:end])
	if start > 0 {
		snippet = "…" + snippet
	}
	if end < len(runes) {
		snippet = snippet + "…"
	}
	return snippet
}

func firstMatchOffset(runes []rune, query string) int {
	terms := queryTerms(query)
	lower := strings.ToLower(string(runes))
	best := -1
	for _, term := range terms {
		if idx := strings.Index(lower, term); idx >= 0 {
			charIdx := len([]rune(lower[:idx]))
			if best == -1 || charIdx < best {
				best = charIdx
			}
		}
	}
	if best == -1 {
		return 0
	}
	return best
}

func queryTerms(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) >= 2 {
			out = append(out, f)
		}
	}
	return out
}

// highlightsWithin finds non-overlapping query-term offsets inside a
// snippet, preferring longer terms first so a longer word wins over a
// shorter term it contains. Terms are single words; phrases are not
// matched as a unit.
func highlightsWithin(snippet, query string) [][2]int {
	terms := queryTerms(query)
	sort.Slice(terms, func(i, j int) bool { return len(terms[i]) > len(terms[j]) })

	lower := strings.ToLower(snippet)
	var claimed []bool
	runeLen := len([]rune(snippet))
	claimed = make([]bool, runeLen)

	var spans [][2]int
	for _, term := range terms {
		start := 0
		for {
			idx := strings.Index(lower[start:], term)
			if idx < 0 {
				break
			}
			byteStart := start + idx
			charStart := len([]rune(lower[:byteStart]))
			charEnd := charStart + len([]rune(term))
			start = byteStart + len(term)

			if charEnd > runeLen {
				continue
			}
			overlap := false
			for i := charStart; i < charEnd; i++ {
				if claimed[i] {
					overlap = true
					break
				}
			}
			if overlap {
				continue
			}
			for i := charStart; i < charEnd; i++ {
				claimed[i] = true
			}
			spans = append(spans, [2]int{charStart, charEnd})
		}
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i][0] < spans[j][0] })
	return spans
}

var citationMarker = regexp.MustCompile(`\[(\d+)\]`)

// remapCitations scans answer text for [n] markers against candidates
// (1-indexed, matching the order citations were presented in the prompt),
// drops markers that resolve to nothing, and renumbers the survivors
// contiguously so the client sees [1..m] with a matching Citations slice.
func remapCitations(answer string, candidates []Citation) (string, []Citation) {
	used := make(map[int]int) // original marker -> new contiguous index
	var ordered []Citation

	rewritten := citationMarker.ReplaceAllStringFunc(answer, func(match string) string {
		n, err := strconv.Atoi(citationMarker.FindStringSubmatch(match)[1])
		if err != nil || n < 1 || n > len(candidates) {
			return ""
		}
		newIdx, ok := used[n]
		if !ok {
			ordered = append(ordered, candidates[n-1])
			newIdx = len(ordered)
			used[n] = newIdx
		}
		return "[" + strconv.Itoa(newIdx) + "]"
	})
	return rewritten, ordered
}
