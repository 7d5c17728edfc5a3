package repository

import (
	"sync"

	"github.com/Shivanand-hulikatti/meet-tables/internal/model"
)

const feedBuffer = 16

// Feed fans committed changes out to registered listeners. Publish never
// blocks: when a listener falls behind, its oldest pending change is replaced
// by a ChangeBulk with an empty TableID, which matches every query.
type Feed struct {
	mu        sync.Mutex
	next      int
	listeners map[int]chan model.Change
}

// NewFeed constructs an empty Feed.
func NewFeed() *Feed {
	return &Feed{listeners: make(map[int]chan model.Change)}
}

// Watch registers a listener and returns its channel and cancel func.
func (f *Feed) Watch() (<-chan model.Change, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := f.next
	f.next++
	ch := make(chan model.Change, feedBuffer)
	f.listeners[id] = ch

	return ch, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if c, ok := f.listeners[id]; ok {
			delete(f.listeners, id)
			close(c)
		}
	}
}

// Publish delivers c to every listener.
func (f *Feed) Publish(c model.Change) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, ch := range f.listeners {
		select {
		case ch <- c:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- model.Change{Kind: model.ChangeBulk}:
			default:
			}
		}
	}
}

// Listeners returns the number of registered listeners.
func (f *Feed) Listeners() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.listeners)
}
