package nat

import (
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/igjeong/edgeflow/metrics"
	"github.com/igjeong/edgeflow/packet"
	"github.com/igjeong/edgeflow/store"
)

func fillConnTable(t *testing.T, capacity int, epochs []uint32) ConnTable {
	t.Helper()
	table := store.NewShardedMap[packet.ConnIdent, ConnMeta](capacity, 4)
	for i, epoch := range epochs {
		client := packet.ConnIdent{IP: 0xCB007100 + uint32(i), Port: 40000, Transport: packet.TransportTCP}
		require.NoError(t, table.Put(client, ConnMeta{IP: 0xC0A8000A, Port: 80, Transport: packet.TransportTCP, LastObserved: epoch}))
	}
	return table
}

func epochsOf(t *testing.T, table ConnTable) map[uint32]int {
	t.Helper()
	counts := map[uint32]int{}
	require.NoError(t, table.Iterate(func(_ packet.ConnIdent, meta ConnMeta) bool {
		counts[meta.LastObserved]++
		return true
	}))
	return counts
}

func TestCleaner_BelowHighWaterMark(t *testing.T) {
	table := fillConnTable(t, 10, []uint32{1, 2, 3, 4, 5, 6})
	m := metrics.NewMetrics()
	c := NewCleaner(table, 0.7, WithCleanerMetrics(m, "eth0"))

	removed, err := c.Cleanup()
	require.NoError(t, err)
	assert.Zero(t, removed)
	assert.Equal(t, 6, table.Len())
	assert.Equal(t, float64(6), testutil.ToFloat64(m.ConntrackEntries.WithLabelValues("eth0")))
}

func TestCleaner_EvictsOldestEpochs(t *testing.T) {
	// 9 of 10 slots used, high water mark 7: at least 2 entries must go.
	table := fillConnTable(t, 10, []uint32{5, 1, 7, 1, 9, 3, 8, 6, 4})
	m := metrics.NewMetrics()
	c := NewCleaner(table, 0.7, WithCleanerMetrics(m, "eth0"))

	removed, err := c.Cleanup()
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	counts := epochsOf(t, table)
	assert.NotContains(t, counts, uint32(1))
	assert.Contains(t, counts, uint32(3))
	assert.Equal(t, 7, table.Len())
	assert.Equal(t, float64(7), testutil.ToFloat64(m.ConntrackEntries.WithLabelValues("eth0")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.ConntrackEvictions.WithLabelValues("eth0")))
}

func TestCleaner_WholeEpochBuckets(t *testing.T) {
	// One entry over the mark, but the oldest epoch holds three entries.
	table := fillConnTable(t, 10, []uint32{2, 2, 2, 5, 5, 6, 7, 8})
	c := NewCleaner(table, 0.7)

	removed, err := c.Cleanup()
	require.NoError(t, err)
	assert.Equal(t, 3, removed)
	assert.NotContains(t, epochsOf(t, table), uint32(2))
}

func TestCleaner_Unbounded(t *testing.T) {
	table := fillConnTable(t, 0, []uint32{1, 2, 3})
	removed, err := NewCleaner(table, 0.7).Cleanup()
	require.NoError(t, err)
	assert.Zero(t, removed)
	assert.Equal(t, 3, table.Len())
}

func TestCleaner_HighWaterMarkDefault(t *testing.T) {
	for _, hwm := range []float64{0, 0.05, -1, 1.5} {
		t.Run(fmt.Sprint(hwm), func(t *testing.T) {
			assert.Equal(t, DefaultHighWaterMark, NewCleaner(nil, hwm).HighWaterMark())
		})
	}
	assert.Equal(t, 0.5, NewCleaner(nil, 0.5).HighWaterMark())
}

func TestCleaner_StartStop(t *testing.T) {
	table := fillConnTable(t, 4, []uint32{1, 2, 3, 4})
	c := NewCleaner(table, 0.5)

	require.NoError(t, c.Start(5*time.Millisecond))
	assert.ErrorIs(t, c.Start(time.Second), ErrCleanupAlreadyRunning)

	assert.Eventually(t, func() bool { return table.Len() == 2 }, time.Second, 5*time.Millisecond)

	c.Stop()
	c.Stop()
}
