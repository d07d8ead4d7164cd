package llm

import (
	"context"
)

// CompletionClient is the boundary to the completion service. Implementations
// must be safe for concurrent use; the pipeline caps in-flight requests via
// WithMaxInFlight.
type CompletionClient interface {
	Generate(ctx context.Context, prompt string) (string, error)
}
