package engine

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/scrypster/helixmcp/internal/router"
)

// maxFanOut bounds concurrent backend reads of one memory_type "all" call.
const maxFanOut = 4

// queryAll runs one list query per kind of the family. Kinds that fail are
// reported under Errors; the call fails only when every kind failed.
func (d *Dispatcher) queryAll(ctx context.Context, dec router.Decision) (any, error) {
	var (
		mu      sync.Mutex
		results = make(map[string][]map[string]any, len(dec.FanOut))
		failed  = make(map[string]ErrorBody)
		lastErr error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxFanOut)
	for _, child := range dec.FanOut {
		g.Go(func() error {
			res, err := d.query(gctx, child)
			name := child.Kind.Spec().Plural

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				d.logger.Warn("fan-out query failed",
					zap.String("tool", dec.Tool),
					zap.String("memory_type", child.Kind.String()),
					zap.Error(err))
				failed[name] = Describe(err)
				lastErr = err
				return nil
			}
			results[name] = res.Results
			return nil
		})
	}
	_ = g.Wait()

	if len(results) == 0 && lastErr != nil {
		return nil, lastErr
	}

	count := 0
	for _, rows := range results {
		count += len(rows)
	}
	out := AllResult{MemoryType: "all", Count: count, Results: results}
	if len(failed) > 0 {
		out.Errors = failed
	}
	return out, nil
}
