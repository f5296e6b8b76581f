// Package ai wraps the language-model capability the pipeline consumes:
// free-form completion for the stage handlers and claim-pair classification
// for the consensus aggregator. Implementations are fallible, latent and
// non-deterministic; callers must tolerate empty or malformed responses.
package ai

import "context"

// Relation is the classified relationship between two claims.
type Relation string

const (
	// RelationEquivalent: the two claims assert the same thing.
	RelationEquivalent Relation = "equivalent"
	// RelationContradicts: the second claim contradicts or rebuts the first.
	RelationContradicts Relation = "contradicts"
	// RelationUnrelated: no support or opposition either way.
	RelationUnrelated Relation = "unrelated"
)

type CompleteOptions struct {
	System      string
	MaxTokens   int
	Temperature float32
}

type Classification struct {
	Relation   Relation
	Confidence float64
}

type Client interface {
	Complete(ctx context.Context, prompt string, opts CompleteOptions) (string, error)
	// ClassifyClaims relates claim b to claim a. A degraded or malformed
	// model response yields RelationUnrelated rather than an error wherever
	// the response can be received at all.
	ClassifyClaims(ctx context.Context, a, b string) (Classification, error)
}
