package nat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/igjeong/edgeflow/packet"
	"github.com/igjeong/edgeflow/store"
)

func ident(t *testing.T, s string) packet.ConnIdent {
	t.Helper()
	id, err := packet.ParseConnIdent(s)
	require.NoError(t, err)
	return id
}

func TestTranslationTableLookup(t *testing.T) {
	m := store.NewShardedMap[packet.ConnIdent, Rule](0, 4)
	require.NoError(t, m.Put(ident(t, "192.168.0.10:80/tcp"), Rule{TargetIP: 0x0A000005}))
	require.NoError(t, m.Put(ident(t, ":80/tcp"), Rule{TargetIP: 0x0A000006}))
	require.NoError(t, m.Put(ident(t, ":53/udp"), Rule{TargetIP: 0x0A000007}))
	table := NewTranslationTable(m)

	tests := []struct {
		name   string
		dst    string
		want   uint32
		wantOK bool
	}{
		{"exact wins over wildcard", "192.168.0.10:80/tcp", 0x0A000005, true},
		{"wildcard fallback", "192.168.0.11:80/tcp", 0x0A000006, true},
		{"wildcard other transport", "192.168.0.10:53/udp", 0x0A000007, true},
		{"transport must match", "192.168.0.10:80/udp", 0, false},
		{"port must match", "192.168.0.10:81/tcp", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule, ok := table.Lookup(ident(t, tt.dst))
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, rule.TargetIP)
		})
	}
}

func TestTrackerObserveForget(t *testing.T) {
	tracker := NewTracker(store.NewShardedMap[packet.ConnIdent, ConnMeta](0, 4))
	client := ident(t, "203.0.113.7:51000/tcp")
	orig := ident(t, "192.168.0.10:80/tcp")

	require.NoError(t, tracker.Observe(client, orig, 3))

	meta, ok := tracker.Lookup(client)
	require.True(t, ok)
	assert.Equal(t, orig, meta.Ident())
	assert.Equal(t, uint32(3), meta.LastObserved)

	// Refresh updates the epoch in place.
	require.NoError(t, tracker.Observe(client, orig, 9))
	meta, _ = tracker.Lookup(client)
	assert.Equal(t, uint32(9), meta.LastObserved)
	assert.Equal(t, 1, tracker.Count())

	require.NoError(t, tracker.Forget(client))
	require.NoError(t, tracker.Forget(client))
	assert.Zero(t, tracker.Count())
}

func TestTrackerFull(t *testing.T) {
	tracker := NewTracker(store.NewShardedMap[packet.ConnIdent, ConnMeta](1, 1))
	orig := ident(t, "192.168.0.10:80/tcp")

	require.NoError(t, tracker.Observe(ident(t, "203.0.113.7:1/tcp"), orig, 1))
	err := tracker.Observe(ident(t, "203.0.113.7:2/tcp"), orig, 1)
	assert.ErrorIs(t, err, store.ErrFull)
	assert.Equal(t, 1, tracker.Cap())
}

func TestTrackerConnections(t *testing.T) {
	tracker := NewTracker(store.NewShardedMap[packet.ConnIdent, ConnMeta](0, 4))
	require.NoError(t, tracker.Observe(ident(t, "203.0.113.9:2000/udp"), ident(t, "192.168.0.10:53/udp"), 5))
	require.NoError(t, tracker.Observe(ident(t, "203.0.113.7:1000/tcp"), ident(t, "192.168.0.10:80/tcp"), 4))

	conns, err := tracker.Connections()
	require.NoError(t, err)
	assert.Equal(t, []ConnectionInfo{
		{Protocol: "tcp", Client: "203.0.113.7:1000/tcp", Destination: "192.168.0.10:80/tcp", LastObserved: 4},
		{Protocol: "udp", Client: "203.0.113.9:2000/udp", Destination: "192.168.0.10:53/udp", LastObserved: 5},
	}, conns)
}

func TestRedirectTargetUnmarshalText(t *testing.T) {
	var r RedirectTarget
	require.NoError(t, r.UnmarshalText([]byte("Interface")))
	assert.Equal(t, RedirectToInterface, r)
	require.NoError(t, r.UnmarshalText(nil))
	assert.Equal(t, RedirectToIP, r)
	assert.Error(t, r.UnmarshalText([]byte("gateway")))
}
