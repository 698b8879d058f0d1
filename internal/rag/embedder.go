package rag

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"time"

	"golang.org/x/time/rate"

	"ragchat/internal/ai"
)

const (
	DefaultHashDim        = 384
	DefaultEmbedBatchSize = 10
	DefaultProbeTimeout   = 10 * time.Second

	ProviderRemote = "remote"
	ProviderHash   = "local-hash"
)

var ErrFallbackUnavailable = errors.New("local embedding fallback unavailable")

// Embedder turns texts into vectors, one per text, in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Name() string
}

// HashEmbedder is the deterministic offline embedder: each code point is
// hashed into one of dim buckets, counts are accumulated and the vector is
// L2 normalised. The empty string maps to the zero vector.
type HashEmbedder struct {
	dim int
}

func NewHashEmbedder(dim int) (*HashEmbedder, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("%w: dimension %d", ErrFallbackUnavailable, dim)
	}
	return &HashEmbedder{dim: dim}, nil
}

func (h *HashEmbedder) Name() string { return ProviderHash }

func (h *HashEmbedder) Dim() int { return h.dim }

func (h *HashEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = h.vector(text)
	}
	return out, nil
}

func (h *HashEmbedder) vector(text string) []float32 {
	counts := make([]float64, h.dim)
	for _, r := range text {
		hasher := fnv.New32a()
		_, _ = hasher.Write([]byte(string(r)))
		counts[hasher.Sum32()%uint32(h.dim)]++
	}

	var sum float64
	for _, c := range counts {
		sum += c * c
	}
	vec := make([]float32, h.dim)
	if sum == 0 {
		return vec
	}
	norm := math.Sqrt(sum)
	for i, c := range counts {
		vec[i] = float32(c / norm)
	}
	return vec
}

// RemoteEmbedder calls an OpenAI-compatible /embeddings endpoint in batches,
// pacing requests with a token bucket.
type RemoteEmbedder struct {
	client    *ai.OpenAICompatibleClient
	cfg       ai.EmbeddingConfig
	batchSize int
	limiter   *rate.Limiter
}

type RemoteOption func(*RemoteEmbedder)

func WithBatchSize(n int) RemoteOption {
	return func(r *RemoteEmbedder) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// WithRequestsPerSecond caps request rate; zero or less disables pacing.
func WithRequestsPerSecond(rps float64) RemoteOption {
	return func(r *RemoteEmbedder) {
		if rps > 0 {
			r.limiter = rate.NewLimiter(rate.Limit(rps), 1)
		} else {
			r.limiter = nil
		}
	}
}

func NewRemoteEmbedder(client *ai.OpenAICompatibleClient, cfg ai.EmbeddingConfig, opts ...RemoteOption) *RemoteEmbedder {
	r := &RemoteEmbedder{
		client:    client,
		cfg:       cfg,
		batchSize: DefaultEmbedBatchSize,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *RemoteEmbedder) Name() string { return ProviderRemote + ":" + r.cfg.Model }

func (r *RemoteEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += r.batchSize {
		end := min(start+r.batchSize, len(texts))
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("embedding rate wait failed: %w", err)
			}
		}
		vectors, err := r.client.EmbedBatch(ctx, r.cfg, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vectors...)
	}
	return out, nil
}

// Mode is how a chain answers questions.
type Mode string

const (
	ModeRetrieval       Mode = "retrieval"
	ModeNoKnowledgeBase Mode = "no_knowledge_base"
	ModeChatOnly        Mode = "chat_only"
)

// Selection is the outcome of choosing an embedder for one build.
type Selection struct {
	Embedder Embedder
	Provider string
	Mode     Mode
	// Reason is set when the primary provider was not used.
	Reason string
}

// SelectEmbedder probes primary once with a single short text. Any probe
// failure, including a nil primary, switches the build to the hash embedder.
// If the hash embedder cannot be built either, the selection is chat-only
// with no embedder.
func SelectEmbedder(ctx context.Context, primary Embedder, fallbackDim int, probeTimeout time.Duration) Selection {
	reason := "no remote embedder configured"
	if primary != nil {
		err := probe(ctx, primary, probeTimeout)
		if err == nil {
			return Selection{Embedder: primary, Provider: primary.Name(), Mode: ModeRetrieval}
		}
		reason = err.Error()
	}
	return fallbackSelection(fallbackDim, reason)
}

func fallbackSelection(dim int, reason string) Selection {
	hash, err := NewHashEmbedder(dim)
	if err != nil {
		return Selection{Mode: ModeChatOnly, Reason: reason + "; " + err.Error()}
	}
	return Selection{Embedder: hash, Provider: hash.Name(), Mode: ModeRetrieval, Reason: reason}
}

func probe(ctx context.Context, e Embedder, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	vectors, err := e.Embed(pctx, []string{"test"})
	if err != nil {
		return fmt.Errorf("embedding probe failed: %w", err)
	}
	if len(vectors) != 1 || len(vectors[0]) == 0 {
		return errors.New("embedding probe returned no vector")
	}
	return nil
}
