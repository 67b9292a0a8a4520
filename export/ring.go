package export

import (
	"context"
	"sync"
	"sync/atomic"
)

// SharedRing is a single bounded ring shared by all lanes. Accepted events
// are read in submission order.
type SharedRing struct {
	events    chan Event
	done      chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
}

// NewSharedRing creates a ring holding up to capacity events.
func NewSharedRing(capacity int) *SharedRing {
	return &SharedRing{
		events: make(chan Event, capacity),
		done:   make(chan struct{}),
	}
}

// Submit implements Exporter. The lane is ignored.
func (r *SharedRing) Submit(_ int, ev Event) error {
	if r.closed.Load() {
		return ErrClosed
	}
	select {
	case r.events <- ev:
		return nil
	default:
		return ErrRingFull
	}
}

// Read implements Source.
func (r *SharedRing) Read(ctx context.Context) (Event, error) {
	select {
	case ev := <-r.events:
		return ev, nil
	case <-r.done:
		select {
		case ev := <-r.events:
			return ev, nil
		default:
			return Event{}, ErrClosed
		}
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// Len returns the number of buffered events.
func (r *SharedRing) Len() int {
	return len(r.events)
}

// Backend implements Ring.
func (r *SharedRing) Backend() Backend {
	return BackendSharedRing
}

// Close rejects further submissions. Buffered events can still be read.
func (r *SharedRing) Close() error {
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		close(r.done)
	})
	return nil
}

// PerLaneRing holds one bounded ring per lane. A full lane only rejects its
// own submissions.
type PerLaneRing struct {
	lanes     []chan Event
	notify    chan struct{}
	done      chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
	next      atomic.Uint32
}

// NewPerLaneRing creates lanes rings of capacity events each.
func NewPerLaneRing(lanes, capacity int) *PerLaneRing {
	if lanes <= 0 {
		lanes = 1
	}
	r := &PerLaneRing{
		lanes:  make([]chan Event, lanes),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	for i := range r.lanes {
		r.lanes[i] = make(chan Event, capacity)
	}
	return r
}

// Lanes returns the number of lanes.
func (r *PerLaneRing) Lanes() int {
	return len(r.lanes)
}

// Submit implements Exporter. Lanes beyond the configured count wrap around.
func (r *PerLaneRing) Submit(lane int, ev Event) error {
	if r.closed.Load() {
		return ErrClosed
	}
	select {
	case r.lanes[uint(lane)%uint(len(r.lanes))] <- ev:
		r.wake()
		return nil
	default:
		return ErrRingFull
	}
}

func (r *PerLaneRing) wake() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Read implements Source. Lanes are polled round robin, events of one lane
// are read in submission order.
func (r *PerLaneRing) Read(ctx context.Context) (Event, error) {
	for {
		if ev, ok := r.poll(); ok {
			r.wake()
			return ev, nil
		}

		select {
		case <-r.notify:
		case <-r.done:
			if ev, ok := r.poll(); ok {
				return ev, nil
			}
			return Event{}, ErrClosed
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

func (r *PerLaneRing) poll() (Event, bool) {
	start := r.next.Add(1)
	n := uint32(len(r.lanes))
	for i := uint32(0); i < n; i++ {
		select {
		case ev := <-r.lanes[(start+i)%n]:
			return ev, true
		default:
		}
	}
	return Event{}, false
}

// Backend implements Ring.
func (r *PerLaneRing) Backend() Backend {
	return BackendPerLaneRing
}

// Close rejects further submissions. Buffered events can still be read.
func (r *PerLaneRing) Close() error {
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		close(r.done)
	})
	return nil
}
