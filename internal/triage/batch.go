package triage

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// BatchProcess runs ProcessExistingIssue for each number. Results keep input
// order and one failure never stops the rest.
func (p *Pipeline) BatchProcess(ctx context.Context, numbers []int, autoApply bool) *BatchOutcome {
	if p.hooks.OnBatch != nil {
		p.hooks.OnBatch(len(numbers))
	}

	results := make([]*Outcome, len(numbers))

	if p.batchWorkers <= 1 || len(numbers) <= 1 {
		for i, n := range numbers {
			results[i] = p.ProcessExistingIssue(ctx, n, autoApply)
		}
	} else {
		var (
			g     errgroup.Group
			locks issueLocks
		)
		g.SetLimit(p.batchWorkers)
		for i, n := range numbers {
			g.Go(func() error {
				// the same number listed twice must not interleave tracker calls
				unlock := locks.lock(n)
				defer unlock()
				results[i] = p.ProcessExistingIssue(ctx, n, autoApply)
				return nil
			})
		}
		_ = g.Wait()
	}

	out := &BatchOutcome{
		TotalProcessed: len(results),
		Results:        results,
	}
	for _, r := range results {
		if r.Success {
			out.Successful++
		} else {
			out.Failed++
		}
	}

	p.logger.Info(ctx, "batch processed",
		"total", out.TotalProcessed,
		"successful", out.Successful,
		"failed", out.Failed,
		"workers", max(p.batchWorkers, 1),
	)
	return out
}

// issueLocks hands out one mutex per issue number, dropping it once unused.
type issueLocks struct {
	mu sync.Mutex
	m  map[int]*issueLock
}

type issueLock struct {
	mu   sync.Mutex
	refs int
}

func (l *issueLocks) lock(number int) (unlock func()) {
	l.mu.Lock()
	if l.m == nil {
		l.m = make(map[int]*issueLock)
	}
	il, ok := l.m[number]
	if !ok {
		il = &issueLock{}
		l.m[number] = il
	}
	il.refs++
	l.mu.Unlock()

	il.mu.Lock()
	return func() {
		il.mu.Unlock()
		l.mu.Lock()
		il.refs--
		if il.refs == 0 {
			delete(l.m, number)
		}
		l.mu.Unlock()
	}
}
