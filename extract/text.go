package extract

import (
	"context"
	"os"
	"regexp"
	"strings"

	"github.com/qsrgraph/qsrgraph/common"
)

// HeuristicTextExtractor pulls literal text runs out of uncompressed PDF
// content streams. It handles the simple single-filter documents that QSR
// manufacturers commonly publish and everything the test corpus generates;
// scanned or compressed manuals need the external OCR-backed extractor.
type HeuristicTextExtractor struct{}

var (
	// (text) Tj and (text) ' show operators inside BT/ET blocks.
	textShowPattern = regexp.MustCompile(`\(((?:[^()\\]|\\.)*)\)\s*(?:Tj|')`)
	pageSplit       = pageObjPattern
)

// ExtractText reads the stored file and extracts per-page literal text.
func (x *HeuristicTextExtractor) ExtractText(ctx context.Context, path string) (*TextResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, common.Wrap(common.KindCancelled, "text extraction cancelled", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, common.Wrap(common.KindExtractionFailed, "stored document could not be read", err)
	}

	pageCount := len(pageSplit.FindAll(data, -1))
	if pageCount == 0 {
		return nil, common.E(common.KindExtractionFailed, "document has no page objects")
	}

	// Split the raw bytes at page object boundaries so text runs land on
	// the page they follow.
	indices := pageSplit.FindAllIndex(data, -1)
	result := &TextResult{PageCount: pageCount}
	for i, loc := range indices {
		end := len(data)
		if i+1 < len(indices) {
			end = indices[i+1][0]
		}
		segment := data[loc[0]:end]

		var runs []string
		for _, m := range textShowPattern.FindAllSubmatch(segment, -1) {
			runs = append(runs, unescapePDFString(string(m[1])))
		}
		result.Pages = append(result.Pages, PageText{
			Page: i + 1,
			Text: strings.TrimSpace(strings.Join(runs, " ")),
		})
	}
	return result, nil
}

func unescapePDFString(s string) string {
	replacer := strings.NewReplacer(`\(`, "(", `\)`, ")", `\\`, `\`, `\n`, "\n", `\t`, "\t")
	return replacer.Replace(s)
}
