package rag

import (
	"context"
	"errors"
	"strings"
	"sync"
)

var errProvider = errors.New("provider down")

// echoLLM answers with the context it was given so tests can check what the
// chain retrieved.
type echoLLM struct {
	mu      sync.Mutex
	prompts []string
	err     error
}

func (l *echoLLM) Generate(_ context.Context, prompt string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prompts = append(l.prompts, prompt)
	if l.err != nil {
		return "", l.err
	}
	return "ANSWER: " + prompt, nil
}

func (l *echoLLM) lastPrompt() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.prompts) == 0 {
		return ""
	}
	return l.prompts[len(l.prompts)-1]
}

// scriptedEmbedder delegates to a hash embedder and can fail the probe or
// any call after the first failAfter calls.
type scriptedEmbedder struct {
	mu        sync.Mutex
	inner     *HashEmbedder
	calls     int
	failProbe bool
	failAfter int
}

func newScriptedEmbedder() *scriptedEmbedder {
	h, _ := NewHashEmbedder(DefaultHashDim)
	return &scriptedEmbedder{inner: h, failAfter: -1}
}

func (s *scriptedEmbedder) Name() string { return "scripted" }

func (s *scriptedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	s.mu.Lock()
	s.calls++
	calls := s.calls
	s.mu.Unlock()

	if s.failProbe && len(texts) == 1 && texts[0] == "test" {
		return nil, errProvider
	}
	if s.failAfter >= 0 && calls > s.failAfter {
		return nil, errProvider
	}
	return s.inner.Embed(ctx, texts)
}

func (s *scriptedEmbedder) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func containsAll(s string, parts ...string) bool {
	for _, p := range parts {
		if !strings.Contains(s, p) {
			return false
		}
	}
	return true
}
