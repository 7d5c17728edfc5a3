package liveview

import (
	"context"
	"time"

	"github.com/Shivanand-hulikatti/meet-tables/internal/model"
)

type query[T any] struct {
	name     string
	periodic bool
	relevant func(model.Change) bool
	run      func(ctx context.Context) (T, error)
	equal    func(a, b T) bool
}

func subscribe[T any](parent context.Context, p *Publisher, q query[T]) *Subscription[T] {
	sub := &Subscription[T]{
		c:    make(chan Snapshot[T], 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	changes, cancelWatch := p.watcher.Watch()

	p.mu.Lock()
	p.active++
	p.mu.Unlock()

	go work(parent, p, sub, q, changes, cancelWatch)
	return sub
}

// work is the only goroutine that computes and delivers snapshots for sub,
// so Seq order is delivery order.
func work[T any](parent context.Context, p *Publisher, sub *Subscription[T], q query[T], changes <-chan model.Change, cancelWatch func()) {
	ctx, cancel := context.WithCancel(parent)
	defer func() {
		cancel()
		cancelWatch()
		p.mu.Lock()
		p.active--
		p.mu.Unlock()
		close(sub.c)
		close(sub.done)
	}()

	go func() {
		select {
		case <-sub.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	var tick <-chan time.Time
	if q.periodic && p.refresh > 0 {
		ticker := time.NewTicker(p.refresh)
		defer ticker.Stop()
		tick = ticker.C
	}

	var (
		seq       uint64
		delivered bool
		lastValue T
		lastErr   string
	)
	refresh := func() {
		v, err := q.run(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			if delivered && lastErr == err.Error() {
				return
			}
			p.logger.Warn("live view query failed", "query", q.name, "error", err)
			var zero T
			seq++
			deliver(sub, Snapshot[T]{Seq: seq, Value: zero, Err: err})
			delivered, lastErr = true, err.Error()
			return
		}
		if delivered && lastErr == "" && q.equal(lastValue, v) {
			return
		}
		seq++
		deliver(sub, Snapshot[T]{Seq: seq, Value: v})
		delivered, lastValue, lastErr = true, v, ""
	}

	refresh()
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-changes:
			if !ok {
				return
			}
			if !q.relevant(c) {
				continue
			}
			// Coalesce whatever else is already queued into one re-run.
			for drained := false; !drained; {
				select {
				case _, ok := <-changes:
					if !ok {
						refresh()
						return
					}
				default:
					drained = true
				}
			}
			refresh()
		case <-tick:
			refresh()
		}
	}
}

// deliver replaces any snapshot the consumer has not taken yet. Only the
// worker sends on sub.c, so the second send cannot block.
func deliver[T any](sub *Subscription[T], s Snapshot[T]) {
	select {
	case sub.c <- s:
		return
	default:
	}
	select {
	case <-sub.c:
	default:
	}
	sub.c <- s
}
