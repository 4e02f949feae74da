package ai

import "context"

// Embedder maps texts to fixed-dimension vectors in one batched call.
// Empty input yields empty output without a network round trip.
type Embedder interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
}

// CompleteOptions tune a single completion call.
type CompleteOptions struct {
	Temperature float32
	MaxTokens   int
}

// Generator produces a completion expected to be a JSON object.
type Generator interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string, opts CompleteOptions) (string, error)
}

// Describer is the multimodal capability: image bytes in, prose out.
type Describer interface {
	DescribeImage(ctx context.Context, image []byte) (string, error)
}
