package llm

import (
	"context"
)

// Generator produces a completion for a prompt. The local engine and the
// remote gateway both execute tasks through one.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Embedder maps text into the vector space the retrieval index searches.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Ranker orders recommendation candidates for a user context, best first.
type Ranker interface {
	Rank(ctx context.Context, query string, candidates []string) ([]int, error)
}
