// Package export carries firewall observability events from the packet path
// to user space consumers without blocking the packet path.
package export

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"runtime"
	"strings"

	"github.com/igjeong/edgeflow/packet"
)

var (
	ErrRingFull = errors.New("event ring is full")
	ErrClosed   = errors.New("event ring is closed")
)

// DefaultCapacity is the ring size used when none is configured.
const DefaultCapacity = 4096

// Event describes an observed packet. It holds no reference to the frame.
type Event struct {
	SourceIP   netip.Addr
	DestIP     netip.Addr
	SourcePort uint16
	DestPort   uint16
	Transport  packet.Transport
}

// EventFromPacket copies the identity of a parsed packet.
func EventFromPacket(pkt *packet.Packet) Event {
	return Event{
		SourceIP:   pkt.Src,
		DestIP:     pkt.Dst,
		SourcePort: pkt.L4.SrcPort,
		DestPort:   pkt.L4.DstPort,
		Transport:  pkt.L4.Transport,
	}
}

func (e Event) String() string {
	return fmt.Sprintf("%s -> %s/%s",
		netip.AddrPortFrom(e.SourceIP, e.SourcePort),
		netip.AddrPortFrom(e.DestIP, e.DestPort),
		e.Transport)
}

// Exporter accepts events from the packet path. Submit never blocks.
type Exporter interface {
	Submit(lane int, ev Event) error
}

// Source is the consumer side of a ring.
type Source interface {
	// Read blocks until an event is available, ctx is done, or the ring is
	// closed and drained.
	Read(ctx context.Context) (Event, error)
}

// Ring is an Exporter with its consumer side.
type Ring interface {
	Exporter
	Source
	Backend() Backend
	Close() error
}

// Backend selects the ring implementation.
type Backend string

const (
	BackendPerLaneRing Backend = "per_lane_ring"
	BackendSharedRing  Backend = "shared_ring"
)

// UnmarshalText implements encoding.TextUnmarshaler.
func (b *Backend) UnmarshalText(text []byte) error {
	switch v := Backend(strings.ToLower(string(text))); v {
	case "", BackendSharedRing:
		*b = BackendSharedRing
	case BackendPerLaneRing:
		*b = v
	default:
		return fmt.Errorf("unknown exporter backend: %q", text)
	}
	return nil
}

// New creates the ring for backend. capacity is the number of events a
// ring (or each lane) can hold, lanes defaults to the number of CPUs.
func New(backend Backend, capacity, lanes int) (Ring, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if lanes <= 0 {
		lanes = runtime.NumCPU()
	}

	switch backend {
	case BackendPerLaneRing:
		return NewPerLaneRing(lanes, capacity), nil
	case "", BackendSharedRing:
		return NewSharedRing(capacity), nil
	default:
		return nil, fmt.Errorf("unknown exporter backend: %q", backend)
	}
}
