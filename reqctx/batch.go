package reqctx

import (
	"context"
	"errors"
	"time"
)

// Fetch is the bulk-read callback a batch runs when its delay fires. It
// receives the distinct pending ids and returns whatever it found (absent
// ids simply miss from the map) plus the total capacity the read consumed.
// Chunking and unprocessed-key retry are the fetcher's concern; waiter
// bookkeeping and capacity apportionment are the batch's.
type Fetch func(ctx context.Context, ids []string) (map[string]any, Capacity, error)

// Outcome is what each waiter receives: the value fetched for its id (nil
// when the id was absent), its fair share of the read capacity, or an
// error.
type Outcome struct {
	Value    any
	Capacity Capacity
	Err      error
}

type batchKey struct {
	entityType string
	delay      time.Duration
}

type batch struct {
	waiters map[string][]chan Outcome
	fetch   Fetch
}

// Enqueue registers a waiter for id on the (entityType, delay) batch,
// creating and arming the batch if it is new. Identical ids pending in the
// same batch share one slot and one fetched result.
func (c *Context) Enqueue(ctx context.Context, entityType string, delay time.Duration, id string, fetch Fetch) <-chan Outcome {
	ch := make(chan Outcome, 1)
	key := batchKey{entityType: entityType, delay: delay}

	c.mu.Lock()
	b, ok := c.batches[key]
	if !ok {
		b = &batch{waiters: make(map[string][]chan Outcome), fetch: fetch}
		c.batches[key] = b
		// Arm the delay timer for the new batch. The batch context
		// outlives the enqueueing call but never the hard timeout.
		timerCtx := context.WithoutCancel(ctx)
		go c.flushAfter(timerCtx, key, delay)
	}
	b.waiters[id] = append(b.waiters[id], ch)
	c.mu.Unlock()

	return ch
}

// flushAfter sleeps for the batch delay, detaches the batch, and runs its
// bulk read under the hard timeout.
func (c *Context) flushAfter(ctx context.Context, key batchKey, delay time.Duration) {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	<-timer.C

	c.mu.Lock()
	b, ok := c.batches[key]
	if ok {
		delete(c.batches, key)
	}
	c.mu.Unlock()
	if !ok || len(b.waiters) == 0 {
		return
	}

	ids := make([]string, 0, len(b.waiters))
	totalWaiters := 0
	for id, chans := range b.waiters {
		ids = append(ids, id)
		totalWaiters += len(chans)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, BatchTimeout)
	defer cancel()

	found, cost, err := b.fetch(fetchCtx, ids)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			c.log.Warn("batch read hit hard timeout",
				"entityType", key.entityType, "ids", len(ids))
			err = ErrBatchTimeout
		}
		for _, chans := range b.waiters {
			for _, ch := range chans {
				ch <- Outcome{Err: err}
			}
		}
		return
	}

	c.AddCapacity(cost)

	// Fair apportionment: every waiting callback is charged an equal
	// share of the response capacity for metering.
	share := Capacity{}
	if totalWaiters > 0 {
		share = Capacity{Read: cost.Read / float64(totalWaiters), Write: cost.Write / float64(totalWaiters)}
	}
	for id, chans := range b.waiters {
		v := found[id] // nil when absent
		for _, ch := range chans {
			ch <- Outcome{Value: v, Capacity: share}
		}
	}
}
