package index

import (
	"math"
	"sort"
	"strings"
	"unicode"
)

const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// tokenize lowercases and splits text into terms. Latin/digit runs become
// single tokens; each CJK rune becomes its own token, which is the
// standard cheap tokenization for BM25 over Chinese text absent a
// dedicated segmenter.
func tokenize(text string) []string {
	var tokens []string
	var b strings.Builder
	flush := func() {
		if b.Len() > 0 {
			tokens = append(tokens, strings.ToLower(b.String()))
			b.Reset()
		}
	}
	for _, r := range text {
		switch {
		case unicode.Is(unicode.Han, r):
			flush()
			tokens = append(tokens, string(unicode.ToLower(r)))
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		default:
			flush()
		}
	}
	flush()
	return tokens
}

// bm25Index is an inverted index with precomputed document-frequency and
// length statistics, sufficient to score BM25(q, chunk) for any query.
type bm25Index struct {
	postings    map[string]map[int]int // term -> docIdx -> term frequency
	docLen      []int
	avgDocLen   float64
	docCount    int
}

func buildBM25(docs []string) *bm25Index {
	idx := &bm25Index{
		postings: make(map[string]map[int]int),
		docLen:   make([]int, len(docs)),
		docCount: len(docs),
	}
	var totalLen int
	for i, doc := range docs {
		terms := tokenize(doc)
		idx.docLen[i] = len(terms)
		totalLen += len(terms)
		freq := make(map[string]int)
		for _, t := range terms {
			freq[t]++
		}
		for t, f := range freq {
			if idx.postings[t] == nil {
				idx.postings[t] = make(map[int]int)
			}
			idx.postings[t][i] = f
		}
	}
	if idx.docCount > 0 {
		idx.avgDocLen = float64(totalLen) / float64(idx.docCount)
	}
	return idx
}

// score returns BM25(q, doc) for every document index, for the query terms.
func (idx *bm25Index) score(query string) map[int]float64 {
	scores := make(map[int]float64)
	if idx.docCount == 0 {
		return scores
	}
	terms := tokenize(query)
	seen := make(map[string]bool)
	for _, term := range terms {
		if seen[term] {
			continue
		}
		seen[term] = true
		postings, ok := idx.postings[term]
		if !ok {
			continue
		}
		df := len(postings)
		idf := math.Log(1 + (float64(idx.docCount)-float64(df)+0.5)/(float64(df)+0.5))
		for docIdx, tf := range postings {
			dl := float64(idx.docLen[docIdx])
			denom := float64(tf) + bm25K1*(1-bm25B+bm25B*dl/maxF(idx.avgDocLen, 1))
			scores[docIdx] += idf * (float64(tf) * (bm25K1 + 1)) / denom
		}
	}
	return scores
}

func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// topN returns the N highest-scoring doc indices from a score map, ties
// broken by index ascending for determinism.
func topN(scores map[int]float64, n int) []int {
	idxs := make([]int, 0, len(scores))
	for i := range scores {
		idxs = append(idxs, i)
	}
	sort.Slice(idxs, func(a, b int) bool {
		if scores[idxs[a]] != scores[idxs[b]] {
			return scores[idxs[a]] > scores[idxs[b]]
		}
		return idxs[a] < idxs[b]
	})
	if n > 0 && len(idxs) > n {
		idxs = idxs[:n]
	}
	return idxs
}
