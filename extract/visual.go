package extract

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/qsrgraph/qsrgraph/model"
)

// FallbackVisualExtractor is the text-reference heuristic used when no
// real PDF image extraction is available. It scans page text for artifact
// references (figure, diagram, table, ...) and emits placeholder artifacts
// whose bytes are the referencing text itself. Placeholders are preserved
// only because the text blob is stored and hashed like any other artifact;
// consumers can tell them apart by format "text/plain".
type FallbackVisualExtractor struct{}

var visualRefPattern = regexp.MustCompile(`(?i)\b(figure|diagram|table|chart|schematic|photo|illustration|image)\s*(\d+(?:[.-]\d+)?)?`)

func kindForToken(token string) model.CitationKind {
	switch strings.ToLower(token) {
	case "diagram", "illustration":
		return model.CitationDiagram
	case "table":
		return model.CitationTable
	case "chart":
		return model.CitationChart
	case "schematic":
		return model.CitationSchematic
	case "photo":
		return model.CitationPhoto
	}
	return model.CitationImage
}

// ExtractVisuals emits one placeholder artifact per distinct reference.
func (x *FallbackVisualExtractor) ExtractVisuals(ctx context.Context, path string, text *TextResult) ([]RawArtifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if text == nil {
		return nil, nil
	}

	var artifacts []RawArtifact
	seen := make(map[string]bool)
	for _, page := range text.Pages {
		for _, m := range visualRefPattern.FindAllStringSubmatch(page.Text, -1) {
			ref := strings.ToLower(strings.TrimSpace(m[0]))
			key := fmt.Sprintf("%d|%s", page.Page, ref)
			if seen[key] {
				continue
			}
			seen[key] = true
			artifacts = append(artifacts, RawArtifact{
				Kind:     kindForToken(m[1]),
				Format:   "text/plain",
				Page:     page.Page,
				Bytes:    []byte(fmt.Sprintf("reference to %s on page %d of %s", ref, page.Page, path)),
				Fallback: true,
			})
		}
	}
	return artifacts, nil
}
