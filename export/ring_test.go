package export

import (
	"context"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/igjeong/edgeflow/packet"
)

func event(port uint16) Event {
	return Event{
		SourceIP:   netip.MustParseAddr("10.0.0.1"),
		DestIP:     netip.MustParseAddr("10.0.0.2"),
		SourcePort: 40000,
		DestPort:   port,
		Transport:  packet.TransportTCP,
	}
}

func TestSharedRing_OrderAndFull(t *testing.T) {
	r := NewSharedRing(3)

	require.NoError(t, r.Submit(0, event(1)))
	require.NoError(t, r.Submit(5, event(2)))
	require.NoError(t, r.Submit(2, event(3)))
	assert.ErrorIs(t, r.Submit(0, event(4)), ErrRingFull)
	assert.Equal(t, 3, r.Len())

	ctx := context.Background()
	for _, want := range []uint16{1, 2, 3} {
		ev, err := r.Read(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, ev.DestPort)
	}

	// Space frees up after draining.
	assert.NoError(t, r.Submit(0, event(5)))
}

func TestSharedRing_Close(t *testing.T) {
	r := NewSharedRing(2)
	require.NoError(t, r.Submit(0, event(1)))
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	assert.ErrorIs(t, r.Submit(0, event(2)), ErrClosed)

	ev, err := r.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint16(1), ev.DestPort)

	_, err = r.Read(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSharedRing_ReadHonorsContext(t *testing.T) {
	r := NewSharedRing(1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := r.Read(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPerLaneRing_LaneIsolation(t *testing.T) {
	r := NewPerLaneRing(2, 1)

	require.NoError(t, r.Submit(0, event(1)))
	assert.ErrorIs(t, r.Submit(0, event(2)), ErrRingFull)

	// Lane 1 is unaffected by lane 0 being full.
	require.NoError(t, r.Submit(1, event(3)))
	// Lane 3 wraps onto lane 1.
	assert.ErrorIs(t, r.Submit(3, event(4)), ErrRingFull)

	got := map[uint16]bool{}
	for i := 0; i < 2; i++ {
		ev, err := r.Read(context.Background())
		require.NoError(t, err)
		got[ev.DestPort] = true
	}
	assert.Equal(t, map[uint16]bool{1: true, 3: true}, got)
}

func TestPerLaneRing_PerLaneOrder(t *testing.T) {
	r := NewPerLaneRing(1, 8)
	for i := uint16(0); i < 5; i++ {
		require.NoError(t, r.Submit(0, event(i)))
	}
	for i := uint16(0); i < 5; i++ {
		ev, err := r.Read(context.Background())
		require.NoError(t, err)
		assert.Equal(t, i, ev.DestPort)
	}
}

func TestPerLaneRing_ReadWakesOnSubmit(t *testing.T) {
	r := NewPerLaneRing(4, 4)

	var wg sync.WaitGroup
	wg.Add(1)
	var got Event
	go func() {
		defer wg.Done()
		ev, err := r.Read(context.Background())
		assert.NoError(t, err)
		got = ev
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, r.Submit(2, event(42)))
	wg.Wait()
	assert.Equal(t, uint16(42), got.DestPort)
}

func TestPerLaneRing_Close(t *testing.T) {
	r := NewPerLaneRing(2, 2)
	require.NoError(t, r.Submit(1, event(7)))
	require.NoError(t, r.Close())

	assert.ErrorIs(t, r.Submit(0, event(8)), ErrClosed)

	ev, err := r.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint16(7), ev.DestPort)

	_, err = r.Read(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestNew(t *testing.T) {
	r, err := New(BackendPerLaneRing, 16, 3)
	require.NoError(t, err)
	assert.Equal(t, BackendPerLaneRing, r.Backend())
	assert.Equal(t, 3, r.(*PerLaneRing).Lanes())

	r, err = New("", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, BackendSharedRing, r.Backend())
	assert.Equal(t, DefaultCapacity, cap(r.(*SharedRing).events))

	_, err = New("kafka", 1, 1)
	assert.Error(t, err)
}

func TestBackendUnmarshalText(t *testing.T) {
	var b Backend
	require.NoError(t, b.UnmarshalText([]byte("per_lane_ring")))
	assert.Equal(t, BackendPerLaneRing, b)
	assert.Error(t, b.UnmarshalText([]byte("perf")))
}

func TestEventString(t *testing.T) {
	assert.Equal(t, "10.0.0.1:40000 -> 10.0.0.2:443/tcp", event(443).String())
}
