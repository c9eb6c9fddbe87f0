package backend

import (
	"context"

	"golang.org/x/sync/errgroup"

	"partforge/pkg/events"
)

// FailedPart names one part to regenerate.
type FailedPart struct {
	Index int
	Spec  events.PartSpec
}

// RetryFailedParts regenerates several failed parts concurrently,
// bounded by maxConcurrent. Each part reports progress through the
// shared event callback; the callback must be safe for concurrent use
// (the orchestrator serializes internally). The first error cancels the
// remaining retries.
func RetryFailedParts(ctx context.Context, svc Service, parts []FailedPart, planText, userRequest string, maxConcurrent int, onEvent EventFunc) error {
	if len(parts) == 0 {
		return nil
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 2
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrent)

	for _, part := range parts {
		part := part
		g.Go(func() error {
			return svc.RetryPart(ctx, part.Index, part.Spec, planText, userRequest, onEvent)
		})
	}

	return g.Wait()
}
