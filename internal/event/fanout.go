package event

import (
	"log/slog"
	"sync"
)

// DefaultBuffer is the per-subscriber channel depth used by NewFanout.
const DefaultBuffer = 256

// Fanout delivers each published event to every live subscriber over a
// bounded channel. When a subscriber's buffer is full the oldest event is
// dropped to make room, so publishers never block.
type Fanout struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	buffer int
	closed bool
}

// NewFanout returns a Fanout with the given per-subscriber buffer depth.
// A non-positive depth uses DefaultBuffer.
func NewFanout(buffer int) *Fanout {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Fanout{subs: make(map[int]chan Event), buffer: buffer}
}

// Subscribe registers a new subscriber and returns its channel plus a
// cancel function. Cancel is idempotent and closes the channel.
func (f *Fanout) Subscribe() (<-chan Event, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan Event, f.buffer)
	if f.closed {
		close(ch)
		return ch, func() {}
	}
	id := f.nextID
	f.nextID++
	f.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			if c, ok := f.subs[id]; ok {
				delete(f.subs, id)
				close(c)
			}
		})
	}
	return ch, cancel
}

// Publish delivers e to all subscribers without blocking.
func (f *Fanout) Publish(e Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, ch := range f.subs {
		for {
			select {
			case ch <- e:
			default:
				// Full buffer: drop the oldest and retry once.
				select {
				case <-ch:
					slog.Debug("event subscriber lagging, dropped oldest", "subscriber", id, "kind", e.Kind)
					continue
				default:
				}
			}
			break
		}
	}
}

// Close drops all subscribers and closes their channels. Publish becomes a
// no-op afterwards.
func (f *Fanout) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for id, ch := range f.subs {
		delete(f.subs, id)
		close(ch)
	}
}
