package pipeline

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// forEach runs fn over items with at most workers in flight. fn returns
// an error only when the whole stage must stop; the first such error
// cancels the context the other workers see. No new items start once ctx
// is done.
func forEach[T any](ctx context.Context, workers int, items []T, fn func(ctx context.Context, item T) error) error {
	if workers < 1 {
		workers = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for _, item := range items {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			return fn(gctx, item)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}
