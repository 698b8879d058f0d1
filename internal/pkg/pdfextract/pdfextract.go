package pdfextract

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ledongthuc/pdf"
)

// Result is the plain text of a PDF and its page count.
type Result struct {
	Text  string
	Pages int
}

// ExtractFile opens the PDF at path and extracts text page by page.
func ExtractFile(path string) (*Result, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ExtractBytes(b)
}

// ExtractText reads the entire content of r and extracts plain text from the PDF.
func ExtractText(r io.Reader) (*Result, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return ExtractBytes(b)
}

// ExtractBytes returns an empty result and nil error for an empty input.
// Pages whose text cannot be decoded are skipped; the page count still
// reflects the document.
func ExtractBytes(b []byte) (*Result, error) {
	if len(b) == 0 {
		return &Result{}, nil
	}
	reader, err := pdf.NewReader(bytes.NewReader(b), int64(len(b)))
	if err != nil {
		return nil, fmt.Errorf("open pdf failed: %w", err)
	}

	numPages := reader.NumPage()
	var sb strings.Builder
	for i := 1; i <= numPages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		sb.WriteString(text)
		sb.WriteString("\n")
	}
	return &Result{Text: sb.String(), Pages: numPages}, nil
}
