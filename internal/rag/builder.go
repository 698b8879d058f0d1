package rag

import (
	"context"
	"fmt"
	"time"
)

// BuildReport tells the caller what one build did. Logging is left to the
// caller.
type BuildReport struct {
	Documents      int           `json:"documents"`
	Chunks         int           `json:"chunks"`
	Skipped        []Skip        `json:"skipped,omitempty"`
	Provider       string        `json:"provider,omitempty"`
	Mode           Mode          `json:"mode"`
	Fallback       bool          `json:"fallback"`
	FallbackReason string        `json:"fallbackReason,omitempty"`
	Duration       time.Duration `json:"duration"`
}

// Builder turns a document directory into a ready Chain.
type Builder struct {
	Loader       *Loader
	Splitter     *Splitter
	Primary      Embedder
	LLM          LLM
	FallbackDim  int
	ProbeTimeout time.Duration
	ChainOptions []ChainOption
}

// Build loads, splits, tags and embeds everything under dir. The embedder is
// chosen once per build; if the chosen remote embedder fails part way, the
// whole corpus is embedded again with the hash embedder.
func (b *Builder) Build(ctx context.Context, dir string) (*Chain, *BuildReport, error) {
	started := time.Now()
	loader := b.Loader
	if loader == nil {
		loader = NewLoader()
	}
	splitter := b.Splitter
	if splitter == nil {
		splitter = NewSplitter()
	}

	loaded, err := loader.Load(ctx, dir)
	if err != nil {
		return nil, nil, err
	}
	chunks := splitter.SplitDocuments(loaded.Documents)
	TagSections(chunks)

	report := &BuildReport{
		Documents: len(loaded.Documents),
		Chunks:    len(chunks),
		Skipped:   loaded.Skipped,
	}

	if len(chunks) == 0 {
		chain := NewChain(NewStore(), b.noProbeEmbedder(), b.LLM, b.ChainOptions...)
		report.Mode = chain.Mode()
		report.Duration = time.Since(started)
		return chain, report, nil
	}

	sel := SelectEmbedder(ctx, b.Primary, b.fallbackDim(), b.ProbeTimeout)
	report.Provider = sel.Provider
	report.FallbackReason = sel.Reason
	report.Fallback = sel.Reason != ""

	store := NewStore()
	if sel.Embedder != nil {
		texts := make([]string, len(chunks))
		for i, c := range chunks {
			texts[i] = c.Text
		}
		vectors, err := sel.Embedder.Embed(ctx, texts)
		if err != nil && !report.Fallback {
			sel = fallbackSelection(b.fallbackDim(), fmt.Sprintf("embedding failed during build: %v", err))
			report.Provider = sel.Provider
			report.FallbackReason = sel.Reason
			report.Fallback = true
			if sel.Embedder != nil {
				vectors, err = sel.Embedder.Embed(ctx, texts)
			}
		}
		if sel.Embedder != nil {
			if err != nil {
				return nil, nil, fmt.Errorf("embed chunks failed: %w", err)
			}
			if err := store.Add(chunks, vectors); err != nil {
				return nil, nil, fmt.Errorf("index chunks failed: %w", err)
			}
		}
	}

	chain := NewChain(store, sel.Embedder, b.LLM, b.ChainOptions...)
	report.Mode = chain.Mode()
	report.Duration = time.Since(started)
	return chain, report, nil
}

// noProbeEmbedder keeps an empty index in retrieval mode without calling the
// remote provider; the chain will answer with the no-knowledge-base text.
func (b *Builder) noProbeEmbedder() Embedder {
	if b.Primary != nil {
		return b.Primary
	}
	if h, err := NewHashEmbedder(b.fallbackDim()); err == nil {
		return h
	}
	return nil
}

func (b *Builder) fallbackDim() int {
	if b.FallbackDim == 0 {
		return DefaultHashDim
	}
	return b.FallbackDim
}
