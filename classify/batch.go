package classify

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"

	"disputeflow/tradeline"
)

// All classifies records concurrently and returns results in input order.
// The first failing record cancels the remaining work.
func All(ctx context.Context, records []tradeline.Record, workers int) ([]Result, error) {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	results := make([]Result, len(records))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for i := range records {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			res, err := Classify(records[i])
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
