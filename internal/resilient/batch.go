package resilient

import (
	"context"
	"sync"
	"time"
)

// Batcher coalesces many small operations into one remote round trip.
//
// Items submitted within a collection window are grouped and handed to the
// flush function together; the window closes when BatchSize items have
// gathered or BatchTimeout elapses, whichever comes first. The flush
// function returns one error per item, so a partial failure inside a batch
// is reported per item rather than failing the batch wholesale.
type Batcher[T any] struct {
	size    int
	timeout time.Duration
	flush   func(ctx context.Context, items []T) []error

	mu      sync.Mutex
	pending []pendingItem[T]
	timer   *time.Timer
	closed  bool

	wg sync.WaitGroup
}

type pendingItem[T any] struct {
	item T
	done chan error
}

// NewBatcher creates a batcher that delivers grouped items to flush.
// flush must return exactly len(items) errors (nil for successes).
func NewBatcher[T any](size int, timeout time.Duration, flush func(ctx context.Context, items []T) []error) *Batcher[T] {
	if size < 1 {
		size = 1
	}
	return &Batcher[T]{size: size, timeout: timeout, flush: flush}
}

// Submit queues an item and returns a channel that yields the item's result
// once its batch has been flushed. The channel is buffered; the caller may
// read it whenever convenient.
func (b *Batcher[T]) Submit(ctx context.Context, item T) <-chan error {
	done := make(chan error, 1)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		done <- context.Canceled
		return done
	}
	b.pending = append(b.pending, pendingItem[T]{item: item, done: done})

	if len(b.pending) >= b.size {
		batch := b.take()
		b.mu.Unlock()
		b.dispatch(ctx, batch)
		return done
	}

	if b.timer == nil {
		b.timer = time.AfterFunc(b.timeout, func() {
			b.mu.Lock()
			batch := b.take()
			b.mu.Unlock()
			b.dispatch(ctx, batch)
		})
	}
	b.mu.Unlock()
	return done
}

// take removes and returns the pending batch. Caller must hold b.mu.
func (b *Batcher[T]) take() []pendingItem[T] {
	batch := b.pending
	b.pending = nil
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	return batch
}

func (b *Batcher[T]) dispatch(ctx context.Context, batch []pendingItem[T]) {
	if len(batch) == 0 {
		return
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		items := make([]T, len(batch))
		for i, p := range batch {
			items[i] = p.item
		}
		errs := b.flush(ctx, items)
		for i, p := range batch {
			if i < len(errs) {
				p.done <- errs[i]
			} else {
				p.done <- nil
			}
		}
	}()
}

// Flush forces any pending items out immediately and waits for in-flight
// batches to finish. Used between drain cycles and at shutdown.
func (b *Batcher[T]) Flush(ctx context.Context) {
	b.mu.Lock()
	batch := b.take()
	b.mu.Unlock()
	b.dispatch(ctx, batch)
	b.wg.Wait()
}

// Close flushes pending work and rejects further submissions.
func (b *Batcher[T]) Close(ctx context.Context) {
	b.mu.Lock()
	b.closed = true
	batch := b.take()
	b.mu.Unlock()
	b.dispatch(ctx, batch)
	b.wg.Wait()
}
