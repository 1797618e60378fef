// Package extractor converts an uploaded blob (text/PDF/image/audio bytes
// plus MIME type) into plain text and per-page metadata, delegating OCR and
// speech-to-text to an external multimodal provider.
package extractor

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Result is what a successful extraction yields: normalized text plus
// whatever anchor metadata the source format carries (page numbers for
// PDFs, segment timestamps for audio).
type Result struct {
	Text  string
	Pages []PageMeta
}

// PageMeta anchors a page (or audio segment) to a character range of the
// concatenated Text.
type PageMeta struct {
	Page      int     `json:"page,omitempty"`
	StartChar int     `json:"start_char"`
	EndChar   int     `json:"end_char"`
	StartSec  float64 `json:"start_sec,omitempty"`
	EndSec    float64 `json:"end_sec,omitempty"`
}

// ErrorKind distinguishes extraction failure modes (spec: ExtractionError).
type ErrorKind string

const (
	ErrUnsupported ErrorKind = "unsupported"
	ErrOversized   ErrorKind = "oversized"
	ErrUpstream    ErrorKind = "upstream"
	ErrEmpty       ErrorKind = "empty"
)

// Error is the structured failure the façade returns; callers decide
// whether to continue (e.g. ingest a doc with partial extraction).
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("extraction failed (%s): %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("extraction failed (%s)", e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Hints carries caller-supplied dispatch knobs (OCR fallback, a STT
// language override) that vary per request.
type Hints struct {
	OCRFallback bool
	Language    string
}

// OCRProvider performs multimodal transcription of a rasterized page or
// image. It is the "Remote" variant of the capability set; a Dummy variant
// exists for offline/tests (see NewDummyOCR in internal/infra/ingest/extractor).
type OCRProvider interface {
	Transcribe(ctx context.Context, image []byte, prompt string) (string, error)
}

// STTProvider performs speech-to-text with segment timestamps.
type STTProvider interface {
	Transcribe(ctx context.Context, audio []byte) ([]Segment, error)
}

// Segment is one timestamped span of a speech-to-text transcript.
type Segment struct {
	Text     string
	StartSec float64
	EndSec   float64
}

// PDFTextExtractor pulls page-numbered plain text out of a PDF. The
// production implementation wraps github.com/ledongthuc/pdf; tests can
// substitute a stub.
type PDFTextExtractor interface {
	ExtractPages(data []byte) ([]string, error)
}

const ocrPrompt = "Transcribe all legible text from this image verbatim, preserving reading order."

// Extractor dispatches on MIME type to produce plain text plus metadata.
type Extractor struct {
	OCR OCRProvider
	STT STTProvider
	PDF PDFTextExtractor
}

// New constructs an Extractor from its capability set. Any of OCR/STT/PDF
// may be nil; the corresponding MIME types then fail with ErrUnsupported.
func New(ocr OCRProvider, stt STTProvider, pdf PDFTextExtractor) *Extractor {
	return &Extractor{OCR: ocr, STT: stt, PDF: pdf}
}

// Extract dispatches data+mimeType to the appropriate path.
func (e *Extractor) Extract(ctx context.Context, data []byte, mimeType string, hints Hints) (Result, error) {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	switch {
	case strings.HasPrefix(mimeType, "text/") || mimeType == "application/json":
		return extractText(data)
	case mimeType == "application/pdf":
		return e.extractPDF(ctx, data, hints)
	case strings.HasPrefix(mimeType, "image/"):
		return e.extractImage(ctx, data)
	case strings.HasPrefix(mimeType, "audio/"):
		return e.extractAudio(ctx, data)
	default:
		return Result{}, &Error{Kind: ErrUnsupported, Err: fmt.Errorf("mime type %q is not supported", mimeType)}
	}
}

func extractText(data []byte) (Result, error) {
	if len(data) == 0 {
		return Result{}, &Error{Kind: ErrEmpty}
	}
	text := string(data)
	if !utf8.ValidString(text) {
		text = decodeLatin1(data)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return Result{}, &Error{Kind: ErrEmpty}
	}
	return Result{Text: text, Pages: []PageMeta{{Page: 1, StartChar: 0, EndChar: utf8.RuneCountInString(text)}}}, nil
}

func decodeLatin1(data []byte) string {
	runes := make([]rune, len(data))
	for i, b := range data {
		runes[i] = rune(b)
	}
	return string(runes)
}

func (e *Extractor) extractPDF(ctx context.Context, data []byte, hints Hints) (Result, error) {
	if e.PDF == nil {
		return Result{}, &Error{Kind: ErrUnsupported, Err: fmt.Errorf("no PDF extractor configured")}
	}
	pages, err := e.PDF.ExtractPages(data)
	if err != nil {
		return Result{}, &Error{Kind: ErrUpstream, Err: err}
	}
	var b strings.Builder
	var metas []PageMeta
	for i, page := range pages {
		page = strings.TrimSpace(page)
		if page == "" && hints.OCRFallback && e.OCR != nil {
			transcribed, ocrErr := e.OCR.Transcribe(ctx, nil, ocrPrompt)
			if ocrErr == nil {
				page = strings.TrimSpace(transcribed)
			}
		}
		start := utf8.RuneCountInString(b.String())
		b.WriteString(page)
		b.WriteString("\n")
		metas = append(metas, PageMeta{Page: i + 1, StartChar: start, EndChar: utf8.RuneCountInString(b.String())})
	}
	text := strings.TrimSpace(b.String())
	if text == "" {
		return Result{}, &Error{Kind: ErrEmpty}
	}
	return Result{Text: text, Pages: metas}, nil
}

func (e *Extractor) extractImage(ctx context.Context, data []byte) (Result, error) {
	if e.OCR == nil {
		return Result{}, &Error{Kind: ErrUnsupported, Err: fmt.Errorf("no OCR provider configured")}
	}
	text, err := e.OCR.Transcribe(ctx, data, ocrPrompt)
	if err != nil {
		return Result{}, &Error{Kind: ErrUpstream, Err: err}
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return Result{}, &Error{Kind: ErrEmpty}
	}
	return Result{Text: text, Pages: []PageMeta{{Page: 1, StartChar: 0, EndChar: utf8.RuneCountInString(text)}}}, nil
}

func (e *Extractor) extractAudio(ctx context.Context, data []byte) (Result, error) {
	if e.STT == nil {
		return Result{}, &Error{Kind: ErrUnsupported, Err: fmt.Errorf("no STT provider configured")}
	}
	segments, err := e.STT.Transcribe(ctx, data)
	if err != nil {
		return Result{}, &Error{Kind: ErrUpstream, Err: err}
	}
	if len(segments) == 0 {
		return Result{}, &Error{Kind: ErrEmpty}
	}
	var b strings.Builder
	var metas []PageMeta
	for _, seg := range segments {
		start := utf8.RuneCountInString(b.String())
		b.WriteString(seg.Text)
		b.WriteString(" ")
		metas = append(metas, PageMeta{
			StartChar: start,
			EndChar:   utf8.RuneCountInString(b.String()),
			StartSec:  seg.StartSec,
			EndSec:    seg.EndSec,
		})
	}
	return Result{Text: strings.TrimSpace(b.String()), Pages: metas}, nil
}
