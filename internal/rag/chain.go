package rag

import (
	"context"
	"fmt"
	"strings"
)

const DefaultTopK = 4

const (
	NoKnowledgeBaseText = "I don't have any documents in my knowledge base yet. Please upload a document or add a URL to crawl, then ask again."
	ChatOnlyApologyText = "Sorry, I couldn't generate a response right now. Please try again later."
)

// DefaultPromptTemplate is filled with the retrieved context and the
// verbatim question.
const DefaultPromptTemplate = `You are a helpful AI assistant that answers questions based on the provided context.

Context: {context}

Question: {question}

Answer the question based on the context above. If the context doesn't contain enough information to answer the question, say so. Always cite specific parts of the context when possible.

Answer: `

// LLM is the language model capability a chain calls.
type LLM interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// SourceDocument describes one retrieved chunk in an answer.
type SourceDocument struct {
	Source      string     `json:"source"`
	Section     Section    `json:"section"`
	Type        DocType    `json:"type"`
	Lines       *LineRange `json:"lines,omitempty"`
	PageContent string     `json:"pageContent"`
	Score       float64    `json:"score"`
}

type Answer struct {
	Text            string           `json:"text"`
	SourceDocuments []SourceDocument `json:"sourceDocuments"`
	Mode            Mode             `json:"mode"`
}

// Chain answers questions for one user. It owns its index and keeps the
// embedder that built it, so questions are always embedded the same way.
type Chain struct {
	store    *Store
	embedder Embedder
	llm      LLM
	template string
	topK     int
	chatOnly bool
}

type ChainOption func(*Chain)

func WithTopK(k int) ChainOption {
	return func(c *Chain) {
		if k > 0 {
			c.topK = k
		}
	}
}

func WithPromptTemplate(tpl string) ChainOption {
	return func(c *Chain) {
		if strings.TrimSpace(tpl) != "" {
			c.template = tpl
		}
	}
}

// NewChain builds a retrieval chain over store. A nil embedder puts the
// chain in chat-only mode.
func NewChain(store *Store, embedder Embedder, llm LLM, opts ...ChainOption) *Chain {
	if store == nil {
		store = NewStore()
	}
	c := &Chain{
		store:    store,
		embedder: embedder,
		llm:      llm,
		template: DefaultPromptTemplate,
		topK:     DefaultTopK,
		chatOnly: embedder == nil,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Mode reports how the next Ask will be answered.
func (c *Chain) Mode() Mode {
	switch {
	case c.chatOnly:
		return ModeChatOnly
	case c.store.Len() == 0:
		return ModeNoKnowledgeBase
	default:
		return ModeRetrieval
	}
}

func (c *Chain) Len() int { return c.store.Len() }

// Ask answers question. Degraded modes are returned as ordinary answers;
// errors come only from the retrieval path and keep provider causes such as
// ai.ErrRateLimited reachable through errors.Is.
func (c *Chain) Ask(ctx context.Context, question string) (*Answer, error) {
	if strings.TrimSpace(question) == "" {
		return nil, fmt.Errorf("%w: question is required", ErrInvalidInput)
	}

	switch c.Mode() {
	case ModeChatOnly:
		return c.askChatOnly(ctx, question), nil
	case ModeNoKnowledgeBase:
		return &Answer{Text: NoKnowledgeBaseText, SourceDocuments: []SourceDocument{}, Mode: ModeNoKnowledgeBase}, nil
	}

	vectors, err := c.embedder.Embed(ctx, []string{question})
	if err != nil {
		return nil, fmt.Errorf("embed question failed: %w", err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("embed question failed: got %d vectors", len(vectors))
	}

	hits, err := c.store.Search(vectors[0], c.topK)
	if err != nil {
		return nil, fmt.Errorf("search index failed: %w", err)
	}

	texts := make([]string, len(hits))
	sources := make([]SourceDocument, len(hits))
	for i, hit := range hits {
		texts[i] = hit.Chunk.Text
		sources[i] = SourceDocument{
			Source:      hit.Chunk.Metadata.Source,
			Section:     hit.Chunk.Metadata.Section,
			Type:        hit.Chunk.Metadata.Type,
			Lines:       hit.Chunk.Metadata.Lines,
			PageContent: hit.Chunk.Text,
			Score:       hit.Score,
		}
	}

	prompt := BuildPrompt(c.template, strings.Join(texts, "\n\n"), question)
	text, err := c.llm.Generate(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("generate answer failed: %w", err)
	}
	return &Answer{Text: text, SourceDocuments: sources, Mode: ModeRetrieval}, nil
}

func (c *Chain) askChatOnly(ctx context.Context, question string) *Answer {
	text, err := c.llm.Generate(ctx, question)
	if err != nil {
		text = ChatOnlyApologyText
	}
	return &Answer{Text: text, SourceDocuments: []SourceDocument{}, Mode: ModeChatOnly}
}

// BuildPrompt substitutes {context} and {question} in tpl in one pass, so
// braces inside either value are left alone.
func BuildPrompt(tpl, context, question string) string {
	return strings.NewReplacer("{context}", context, "{question}", question).Replace(tpl)
}
