// Package chunker splits normalized document text into overlapping,
// language-aware chunks with stable IDs and character-offset anchors.
package chunker

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"

	"github.com/yanqian/study-abroad-rag/internal/domain/ingest"
	apperrors "github.com/yanqian/study-abroad-rag/pkg/errors"
)

const (
	DefaultMaxChars = 800
	DefaultOverlap  = 120
)

// unit is a sentence/clause-level span carved out of the source text before
// packing, kept together with its original character offsets so chunk
// boundaries never split it.
type unit struct {
	text  string
	start int
	end   int
}

// Chunker greedily packs language-aware units into budgeted chunks,
// repeating the tail of the previous chunk as overlap. MaxChars is a
// token budget on the `en` path (via the cl100k_base encoder) and a rune
// budget on the `zh` path, where tiktoken's BPE over-counts CJK text.
type Chunker struct {
	MaxChars int
	Overlap  int
	encoder  *tiktoken.Tiktoken
}

// New constructs a Chunker with the configured budgets, falling back to the
// spec defaults for a non-positive maxChars or a negative overlap (an
// overlap of 0 disables overlap).
func New(maxChars, overlap int) *Chunker {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	if overlap < 0 {
		overlap = DefaultOverlap
	}
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		enc = nil
	}
	return &Chunker{MaxChars: maxChars, Overlap: overlap, encoder: enc}
}

// budgetLen measures text against MaxChars: token count for en (falling
// back to a rune count if the encoder failed to load), rune count for zh.
func (c *Chunker) budgetLen(text, language string) int {
	if language == "en" && c.encoder != nil {
		return len(c.encoder.Encode(text, nil, nil))
	}
	return utf8.RuneCountInString(text)
}

// Chunk splits text (already normalized/boilerplate-stripped) into an
// ordered sequence of ingest.Chunk, anchored to doc_id and language.
func (c *Chunker) Chunk(docID, language, text string) ([]ingest.Chunk, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, apperrors.Wrap(apperrors.CodeValidation, "chunk input is empty after normalization", nil)
	}

	units := splitUnits(text, language)
	if len(units) == 0 {
		return nil, apperrors.Wrap(apperrors.CodeValidation, "chunk input is empty after normalization", nil)
	}

	var (
		out     []ingest.Chunk
		pending []unit
		ordinal int
	)

	joinPending := func() string {
		var b strings.Builder
		for _, u := range pending {
			b.WriteString(u.text)
		}
		return b.String()
	}

	flush := func() {
		if len(pending) == 0 {
			return
		}
		start := pending[0].start
		end := pending[len(pending)-1].end
		var b strings.Builder
		for _, u := range pending {
			b.WriteString(u.text)
		}
		out = append(out, ingest.Chunk{
			ChunkID:  fmt.Sprintf("%s::%04d", docID, ordinal),
			DocID:    docID,
			Ordinal:  ordinal,
			Text:     strings.TrimSpace(b.String()),
			StartIdx: start,
			EndIdx:   end,
			Meta:     ingest.ChunkMeta{Language: language},
		})
		ordinal++
	}

	overlapTail := func() []unit {
		if c.Overlap <= 0 || len(pending) == 0 {
			return nil
		}
		end := pending[len(pending)-1].end
		start := end - c.Overlap
		var tail []unit
		for i := len(pending) - 1; i >= 0; i-- {
			if pending[i].end <= start {
				break
			}
			tail = append([]unit{pending[i]}, tail...)
		}
		return tail
	}

	// splitBudget bounds the rune-based pre-slice of an oversize unit; the
	// cl100k_base encoder can represent more than one rune per token, so a
	// generous multiple guards against chopping an `en` unit into far more
	// runes than its token budget allows, mirroring SimpleChunker's
	// maxRunes conservative-guard idiom.
	splitBudget := c.MaxChars
	if language == "en" {
		splitBudget = c.MaxChars * 4
	}

	for _, u := range units {
		// A single oversize unit becomes its own chunk(s), split at
		// whitespace (or an arbitrary rune index for CJK text).
		if c.budgetLen(u.text, language) > c.MaxChars {
			flush()
			pending = nil
			for _, piece := range splitOversizeUnit(u, splitBudget) {
				pending = append(pending, piece)
				flush()
				pending = nil
			}
			continue
		}

		if c.budgetLen(joinPending()+u.text, language) > c.MaxChars && len(pending) > 0 {
			flush()
			pending = overlapTail()
		}
		pending = append(pending, u)
	}
	flush()

	return out, nil
}

// splitUnits breaks text into sentence/clause units using language-aware
// boundaries, retaining the trailing punctuation with each unit and its
// original byte offsets converted to rune offsets.
func splitUnits(text string, language string) []unit {
	isBoundary := func(r rune) bool {
		if language == "zh" {
			switch r {
			case '。', '！', '？', '；', '\n':
				return true
			}
			return false
		}
		switch r {
		case '.', '!', '?', '\n':
			return true
		}
		return false
	}

	runes := []rune(text)
	var units []unit
	start := 0
	for i, r := range runes {
		// For en, . ! ? only end a unit when followed by whitespace or the
		// end of the text, so "10.5" stays whole. The whitespace after a
		// boundary begins the next unit.
		if language != "zh" && r != '\n' && i+1 < len(runes) && !isSpace(runes[i+1]) {
			continue
		}
		if isBoundary(r) {
			end := i + 1
			seg := string(runes[start:end])
			if strings.TrimSpace(seg) != "" {
				units = append(units, unit{text: seg, start: start, end: end})
			}
			start = end
		}
	}
	if start < len(runes) {
		seg := string(runes[start:])
		if strings.TrimSpace(seg) != "" {
			units = append(units, unit{text: seg, start: start, end: len(runes)})
		}
	}
	return units
}

// splitOversizeUnit slices a unit larger than maxChars at whitespace
// boundaries, falling back to an arbitrary rune index when no whitespace is
// available within budget (dense CJK text).
func splitOversizeUnit(u unit, maxChars int) []unit {
	runes := []rune(u.text)
	var out []unit
	offset := 0
	for offset < len(runes) {
		end := offset + maxChars
		if end > len(runes) {
			end = len(runes)
		} else {
			// walk back to the nearest whitespace within this window
			cut := end
			for cut > offset && !isSpace(runes[cut-1]) {
				cut--
			}
			if cut > offset {
				end = cut
			}
		}
		out = append(out, unit{
			text:  string(runes[offset:end]),
			start: u.start + offset,
			end:   u.start + end,
		})
		offset = end
	}
	return out
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}
