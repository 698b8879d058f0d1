package rag

import (
	"strings"
	"unicode/utf8"
)

const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 200
)

var defaultSeparators = []string{"\n\n", "\n", " ", ""}

// Splitter cuts text into overlapping windows of at most chunkSize runes,
// preferring paragraph, then line, then word boundaries, and cutting
// between characters only as a last resort. Separators stay attached to the
// piece that follows them, so every chunk is a substring of its source.
type Splitter struct {
	chunkSize  int
	overlap    int
	separators []string
}

type SplitterOption func(*Splitter)

func WithChunkSize(size int) SplitterOption {
	return func(s *Splitter) {
		if size > 0 {
			s.chunkSize = size
		}
	}
}

func WithChunkOverlap(overlap int) SplitterOption {
	return func(s *Splitter) {
		if overlap >= 0 {
			s.overlap = overlap
		}
	}
}

func NewSplitter(opts ...SplitterOption) *Splitter {
	s := &Splitter{
		chunkSize:  DefaultChunkSize,
		overlap:    DefaultChunkOverlap,
		separators: defaultSeparators,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.overlap >= s.chunkSize {
		s.overlap = s.chunkSize / 4
	}
	return s
}

// SplitDocuments splits each document in order and returns one flat
// sequence. Chunks inherit their document's metadata and get their flat
// Position and line span.
func (s *Splitter) SplitDocuments(docs []Document) []Chunk {
	var out []Chunk
	for _, doc := range docs {
		pieces := s.SplitText(doc.Text)
		locate := newLineLocator(doc.Text)
		for _, piece := range pieces {
			meta := doc.Metadata
			meta.Lines = locate(piece)
			out = append(out, Chunk{
				Text:     piece,
				Metadata: meta,
				Position: len(out),
			})
		}
	}
	return out
}

// SplitText returns the non-empty, trimmed chunks of text.
func (s *Splitter) SplitText(text string) []string {
	raw := s.split(text, s.separators)
	out := raw[:0]
	for _, chunk := range raw {
		if chunk = strings.TrimSpace(chunk); chunk != "" {
			out = append(out, chunk)
		}
	}
	return out
}

func (s *Splitter) split(text string, separators []string) []string {
	separator := separators[len(separators)-1]
	var next []string
	for i, sep := range separators {
		if sep == "" {
			separator = sep
			break
		}
		if strings.Contains(text, sep) {
			separator = sep
			next = separators[i+1:]
			break
		}
	}

	var final, good []string
	for _, piece := range splitKeepingSeparator(text, separator) {
		if utf8.RuneCountInString(piece) < s.chunkSize {
			good = append(good, piece)
			continue
		}
		if len(good) > 0 {
			final = append(final, s.merge(good)...)
			good = nil
		}
		if len(next) == 0 {
			final = append(final, piece)
		} else {
			final = append(final, s.split(piece, next)...)
		}
	}
	if len(good) > 0 {
		final = append(final, s.merge(good)...)
	}
	return final
}

// merge packs consecutive pieces into windows no longer than chunkSize,
// carrying at most overlap runes of trailing pieces into the next window.
func (s *Splitter) merge(pieces []string) []string {
	var docs, current []string
	total := 0
	for _, piece := range pieces {
		n := utf8.RuneCountInString(piece)
		if total+n > s.chunkSize && len(current) > 0 {
			if doc := strings.TrimSpace(strings.Join(current, "")); doc != "" {
				docs = append(docs, doc)
			}
			for total > s.overlap || (total+n > s.chunkSize && total > 0) {
				total -= utf8.RuneCountInString(current[0])
				current = current[1:]
			}
		}
		current = append(current, piece)
		total += n
	}
	if doc := strings.TrimSpace(strings.Join(current, "")); doc != "" {
		docs = append(docs, doc)
	}
	return docs
}

// splitKeepingSeparator cuts text before every occurrence of sep (overlapping
// occurrences included) and drops empty pieces. An empty sep splits into runes.
func splitKeepingSeparator(text, sep string) []string {
	if sep == "" {
		out := make([]string, 0, utf8.RuneCountInString(text))
		for _, r := range text {
			out = append(out, string(r))
		}
		return out
	}
	var out []string
	start := 0
	for i := 1; i < len(text); i++ {
		if strings.HasPrefix(text[i:], sep) {
			out = append(out, text[start:i])
			start = i
		}
	}
	if start < len(text) {
		out = append(out, text[start:])
	}
	return out
}

// newLineLocator returns a function that finds successive chunks in text and
// reports their line spans. Chunks must be passed in split order.
func newLineLocator(text string) func(chunk string) *LineRange {
	searchFrom, lastIdx, lineAtLast := 0, 0, 1
	return func(chunk string) *LineRange {
		if searchFrom > len(text) {
			return nil
		}
		rel := strings.Index(text[searchFrom:], chunk)
		if rel < 0 {
			return nil
		}
		idx := searchFrom + rel
		line := lineAtLast + strings.Count(text[lastIdx:idx], "\n")
		lastIdx, lineAtLast = idx, line
		searchFrom = idx + 1
		return &LineRange{From: line, To: line + strings.Count(chunk, "\n")}
	}
}
