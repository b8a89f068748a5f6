// Package artifact turns extracted text into the derived PDF stored in blob
// storage, and owns the candidate naming sequence for those PDFs.
package artifact

import (
	"bytes"
	"fmt"

	"github.com/go-pdf/fpdf"
)

// Generate renders the text into PDF bytes. The rendering is deterministic
// for identical input: a plain multi-line flow that carries the full text as
// visible content.
func Generate(text string) ([]byte, error) {
	doc := fpdf.New("P", "mm", "A4", "")
	doc.SetFont("Helvetica", "", 11)
	doc.AddPage()
	tr := doc.UnicodeTranslatorFromDescriptor("")
	doc.MultiCell(0, 5, tr(text), "", "L", false)
	var buf bytes.Buffer
	if err := doc.Output(&buf); err != nil {
		return nil, fmt.Errorf("render pdf: %w", err)
	}
	return buf.Bytes(), nil
}
