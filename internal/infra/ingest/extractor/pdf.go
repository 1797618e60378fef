// Package extractor adapts third-party extraction capabilities (PDF text,
// OCR, STT) to the ingest/extractor domain interfaces.
package extractor

import (
	"bytes"
	"context"
	"fmt"

	"github.com/ledongthuc/pdf"

	domainextractor "github.com/yanqian/study-abroad-rag/internal/domain/ingest/extractor"
)

// PDFExtractor extracts per-page plain text from a PDF document using
// github.com/ledongthuc/pdf, the same library the reasoning-tool corpus
// entry uses for document ingestion.
type PDFExtractor struct{}

// NewPDFExtractor constructs the adapter.
func NewPDFExtractor() *PDFExtractor { return &PDFExtractor{} }

// ExtractPages returns one string per page, in page order; a page with no
// extractable text yields an empty string so the caller can decide whether
// to route it to OCR.
func (p *PDFExtractor) ExtractPages(data []byte) ([]string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}
	pages := make([]string, 0, reader.NumPage())
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			pages = append(pages, "")
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			pages = append(pages, "")
			continue
		}
		pages = append(pages, text)
	}
	return pages, nil
}

// DummyOCR returns a fixed transcription without calling any remote
// service; the offline/test variant of the OCR capability.
type DummyOCR struct{}

// NewDummyOCR constructs the offline OCR stand-in.
func NewDummyOCR() *DummyOCR { return &DummyOCR{} }

// Transcribe returns a deterministic placeholder string.
func (d *DummyOCR) Transcribe(_ context.Context, image []byte, _ string) (string, error) {
	if len(image) == 0 {
		return "", nil
	}
	return fmt.Sprintf("[ocr unavailable offline, %d bytes]", len(image)), nil
}

// DummySTT is the offline/test variant of the speech-to-text capability.
type DummySTT struct{}

// NewDummySTT constructs the offline STT stand-in.
func NewDummySTT() *DummySTT { return &DummySTT{} }

// Transcribe returns a single placeholder segment spanning the whole clip.
func (d *DummySTT) Transcribe(_ context.Context, audio []byte) ([]domainextractor.Segment, error) {
	if len(audio) == 0 {
		return nil, nil
	}
	return []domainextractor.Segment{{Text: fmt.Sprintf("[stt unavailable offline, %d bytes]", len(audio)), StartSec: 0, EndSec: 0}}, nil
}

var (
	_ domainextractor.PDFTextExtractor = (*PDFExtractor)(nil)
	_ domainextractor.OCRProvider      = (*DummyOCR)(nil)
	_ domainextractor.STTProvider      = (*DummySTT)(nil)
)
