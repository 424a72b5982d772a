// Package extract defines the contracts for the external extraction
// collaborators (PDF text, visual artifacts, LLM entity extraction) and
// ships deterministic heuristic implementations used in development and
// tests. Production deployments plug real extractors in behind the same
// interfaces.
package extract

import (
	"bytes"
	"context"
	"regexp"

	"github.com/qsrgraph/qsrgraph/common"
	"github.com/qsrgraph/qsrgraph/model"
)

// PageText is the extracted text of one page.
type PageText struct {
	Page int    `json:"page"`
	Text string `json:"text"`
}

// TextResult is the output of text extraction for one document.
type TextResult struct {
	PageCount int        `json:"page_count"`
	Pages     []PageText `json:"pages"`
}

// NonEmpty reports whether any page produced text.
func (r *TextResult) NonEmpty() bool {
	for _, p := range r.Pages {
		if len(p.Text) > 0 {
			return true
		}
	}
	return false
}

// Document is the context handed to the entity extractor.
type Document struct {
	ProcessID string
	Filename  string
	Pages     []PageText
}

// TextExtractor extracts per-page text from a stored PDF.
type TextExtractor interface {
	ExtractText(ctx context.Context, path string) (*TextResult, error)
}

// RawArtifact is one visual artifact pulled from a document before it is
// preserved as a citation.
type RawArtifact struct {
	Kind   model.CitationKind
	Format string
	Page   int
	BBox   *model.BBox
	Bytes  []byte
	// Fallback marks artifacts produced by the text-reference heuristic
	// rather than real image extraction.
	Fallback bool
}

// VisualExtractor extracts images, tables, and diagrams from a document.
type VisualExtractor interface {
	ExtractVisuals(ctx context.Context, path string, text *TextResult) ([]RawArtifact, error)
}

// EntityExtractor turns document text into entities and relationships.
// The production implementation calls the LLM service; its internals are
// outside this system's scope.
type EntityExtractor interface {
	ExtractEntities(ctx context.Context, doc Document) (*model.Extraction, error)
}

var pdfMagic = []byte("%PDF-")

// pageObjPattern matches PDF page object declarations. The optional
// whitespace forms cover the generators seen in QSR manuals.
var pageObjPattern = regexp.MustCompile(`/Type\s*/Page[^s]`)

// ValidatePDF checks magic bytes and size, returning the page count. The
// count is derived from page object declarations; a well-formed document
// with none is rejected.
func ValidatePDF(data []byte, maxBytes int64) (int, error) {
	if int64(len(data)) > maxBytes {
		return 0, common.E(common.KindInvalidInput, "file exceeds the upload size limit")
	}
	if !bytes.HasPrefix(data, pdfMagic) {
		return 0, common.E(common.KindInvalidInput, "file is not a PDF")
	}
	pages := len(pageObjPattern.FindAll(data, -1))
	if pages == 0 {
		return 0, common.E(common.KindInvalidInput, "PDF contains no pages")
	}
	return pages, nil
}
