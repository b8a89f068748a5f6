// Package extract converts uploaded bytes into plain text. Images go through
// the tesseract OCR engine; PDFs are read directly since their text layer
// needs no recognition pass.
package extract

import (
	"bytes"
	"fmt"
	"strings"

	pdf "github.com/ledongthuc/pdf"
	"github.com/otiai10/gosseract/v2"
)

// Extractor dispatches on content type. Implemented by Engine; tests use
// in-memory fakes.
type Extractor interface {
	Extract(data []byte, contentType string) (string, error)
}

// Engine is the production extractor.
type Engine struct {
	ocrLanguage string
}

// NewEngine constructs an Engine. language is a tesseract language code such
// as "eng".
func NewEngine(language string) *Engine {
	if language == "" {
		language = "eng"
	}
	return &Engine{ocrLanguage: language}
}

// Extract returns the plain text content of the upload.
func (e *Engine) Extract(data []byte, contentType string) (string, error) {
	if contentType == "application/pdf" {
		return ExtractPDFText(data)
	}
	if strings.HasPrefix(contentType, "image/") {
		return e.recognize(data)
	}
	return "", fmt.Errorf("unsupported content type %q", contentType)
}

func (e *Engine) recognize(data []byte) (string, error) {
	client := gosseract.NewClient()
	defer client.Close()
	if err := client.SetLanguage(e.ocrLanguage); err != nil {
		return "", fmt.Errorf("set ocr language: %w", err)
	}
	if err := client.SetImageFromBytes(data); err != nil {
		return "", fmt.Errorf("set ocr image: %w", err)
	}
	text, err := client.Text()
	if err != nil {
		return "", fmt.Errorf("ocr recognize: %w", err)
	}
	return text, nil
}

// ExtractPDFText reads PDF bytes and returns plain text using ledongthuc/pdf.
func ExtractPDFText(data []byte) (string, error) {
	reader := bytes.NewReader(data)
	doc, err := pdf.NewReader(reader, int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("new pdf reader: %w", err)
	}
	var builder strings.Builder
	total := doc.NumPage()
	for page := 1; page <= total; page++ {
		p := doc.Page(page)
		if p.V.IsNull() {
			continue
		}
		content, err := p.GetPlainText(nil)
		if err != nil {
			return "", fmt.Errorf("page %d: %w", page, err)
		}
		builder.WriteString(content)
		builder.WriteString("\n")
	}
	return builder.String(), nil
}
