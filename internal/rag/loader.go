package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"ragchat/internal/pkg/pdfextract"
	"ragchat/internal/pkg/xlsxextract"
)

const defaultLoadConcurrency = 4

// Skip records a supported file that could not be turned into a Document.
type Skip struct {
	Source string `json:"source"`
	Reason string `json:"reason"`
}

// LoadReport is the per-directory outcome of Loader.Load.
type LoadReport struct {
	Documents []Document `json:"-"`
	Skipped   []Skip     `json:"skipped,omitempty"`
}

// PDFExtractFunc returns the text and page count of the PDF at path.
type PDFExtractFunc func(path string) (string, int, error)

// XLSXExtractFunc returns the sheet text and sheet count of the workbook at path.
type XLSXExtractFunc func(path string) (string, int, error)

type Loader struct {
	pdf         PDFExtractFunc
	xlsx        XLSXExtractFunc
	concurrency int
}

type LoaderOption func(*Loader)

func WithPDFExtractor(fn PDFExtractFunc) LoaderOption {
	return func(l *Loader) {
		if fn != nil {
			l.pdf = fn
		}
	}
}

func WithXLSXExtractor(fn XLSXExtractFunc) LoaderOption {
	return func(l *Loader) {
		if fn != nil {
			l.xlsx = fn
		}
	}
}

// WithLoadConcurrency bounds how many files are parsed at once.
func WithLoadConcurrency(n int) LoaderOption {
	return func(l *Loader) {
		if n > 0 {
			l.concurrency = n
		}
	}
}

func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{
		pdf:         extractPDF,
		xlsx:        extractXLSX,
		concurrency: defaultLoadConcurrency,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load reads every supported file in dir, in file-name order. A missing
// directory is created and yields an empty report. Files that fail to parse
// are logged, listed in the report and left out; they never fail the load.
func (l *Loader) Load(ctx context.Context, dir string) (*LoadReport, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		log.Printf("loader: creating docs directory %s", dir)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create document directory failed: %w", err)
		}
		return &LoadReport{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read document directory failed: %w", err)
	}

	type fileResult struct {
		doc  *Document
		skip *Skip
	}
	results := make([]fileResult, len(entries))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.concurrency)
	for i, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		docType := typeOf(name)
		if !IsSupported(docType) {
			continue
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			doc, err := l.loadFile(filepath.Join(dir, name), name, docType)
			if err != nil {
				log.Printf("loader: skip %s: %v", name, err)
				results[i].skip = &Skip{Source: name, Reason: err.Error()}
				return nil
			}
			results[i].doc = doc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	report := &LoadReport{}
	for _, res := range results {
		switch {
		case res.doc != nil:
			report.Documents = append(report.Documents, *res.doc)
		case res.skip != nil:
			report.Skipped = append(report.Skipped, *res.skip)
		}
	}
	return report, nil
}

func (l *Loader) loadFile(path, name string, docType DocType) (*Document, error) {
	meta := Metadata{Source: name, Type: docType}

	switch docType {
	case TypePDF:
		text, pages, err := l.pdf(path)
		if err != nil {
			return nil, fmt.Errorf("parse pdf failed: %w", err)
		}
		meta.TotalPages = pages
		return &Document{Text: text, Metadata: meta}, nil
	case TypeXLSX:
		text, sheets, err := l.xlsx(path)
		if err != nil {
			return nil, fmt.Errorf("parse xlsx failed: %w", err)
		}
		meta.Sheets = sheets
		return &Document{Text: text, Metadata: meta}, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file failed: %w", err)
	}
	text := string(raw)
	switch docType {
	case TypeCSV:
		text = normalizeCSV(text)
	case TypeJSON:
		text = normalizeJSON(raw)
	}
	return &Document{Text: text, Metadata: meta}, nil
}

func typeOf(name string) DocType {
	return DocType(strings.ToLower(strings.TrimPrefix(filepath.Ext(name), ".")))
}

// normalizeCSV swaps commas for tabs line by line. Quoting is not honoured.
func normalizeCSV(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.ReplaceAll(line, ",", "\t")
	}
	return strings.Join(lines, "\n")
}

// normalizeJSON re-indents valid JSON, keeping key order; anything else is
// returned unchanged.
func normalizeJSON(raw []byte) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, bytes.TrimSpace(raw), "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}

func extractPDF(path string) (string, int, error) {
	res, err := pdfextract.ExtractFile(path)
	if err != nil {
		return "", 0, err
	}
	return res.Text, res.Pages, nil
}

func extractXLSX(path string) (string, int, error) {
	res, err := xlsxextract.ExtractFile(path)
	if err != nil {
		return "", 0, err
	}
	return res.Text, res.Sheets, nil
}
