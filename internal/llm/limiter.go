package llm

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// limitedClient caps the number of in-flight Generate calls. Acquire respects
// the caller's context, so a cancelled pipeline run never queues new work.
type limitedClient struct {
	inner CompletionClient
	sem   *semaphore.Weighted
}

func WithMaxInFlight(inner CompletionClient, n int) CompletionClient {
	return &limitedClient{
		inner: inner,
		sem:   semaphore.NewWeighted(int64(n)),
	}
}

func (c *limitedClient) Generate(ctx context.Context, prompt string) (string, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer c.sem.Release(1)
	return c.inner.Generate(ctx, prompt)
}
