// Package rag holds the document-to-answer pipeline: loading, chunking,
// section tagging, embedding, the in-memory index, the retrieval chain and
// the per-user chain registry.
package rag

import "errors"

var ErrInvalidInput = errors.New("invalid input")

// DocType is the source format a document was read from.
type DocType string

const (
	TypeMarkdown   DocType = "md"
	TypeText       DocType = "txt"
	TypeJavaScript DocType = "js"
	TypeCSV        DocType = "csv"
	TypeJSON       DocType = "json"
	TypePDF        DocType = "pdf"
	TypeXLSX       DocType = "xlsx"
)

var supportedTypes = map[DocType]bool{
	TypeMarkdown:   true,
	TypeText:       true,
	TypeJavaScript: true,
	TypeCSV:        true,
	TypeJSON:       true,
	TypePDF:        true,
	TypeXLSX:       true,
}

// IsSupported reports whether files of type t are loaded.
func IsSupported(t DocType) bool {
	return supportedTypes[t]
}

// Section is a coarse positional label over the flat chunk sequence.
type Section string

const (
	SectionBeginning Section = "beginning"
	SectionMiddle    Section = "middle"
	SectionEnd       Section = "end"
)

// LineRange is the 1-based inclusive line span of a chunk in its document.
type LineRange struct {
	From int `json:"from"`
	To   int `json:"to"`
}

type Metadata struct {
	Source     string     `json:"source"`
	Type       DocType    `json:"type"`
	TotalPages int        `json:"totalPages,omitempty"`
	Sheets     int        `json:"sheets,omitempty"`
	Section    Section    `json:"section,omitempty"`
	Lines      *LineRange `json:"lines,omitempty"`
}

// Document is the plain text of one loaded file.
type Document struct {
	Text     string   `json:"text"`
	Metadata Metadata `json:"metadata"`
}

// Chunk is a bounded slice of a document's text; Position is its zero-based
// index in the flat chunk sequence of one build.
type Chunk struct {
	Text     string   `json:"text"`
	Metadata Metadata `json:"metadata"`
	Position int      `json:"position"`
}
