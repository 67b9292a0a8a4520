package nat

import (
	"errors"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/igjeong/edgeflow/metrics"
	"github.com/igjeong/edgeflow/packet"
	"github.com/igjeong/edgeflow/store"
)

var ErrCleanupAlreadyRunning = errors.New("conntrack cleanup already running")

const (
	DefaultHighWaterMark = 0.7
	DefaultCleanupWindow = 5 * time.Second

	minHighWaterMark = 0.1
)

// CleanerOption configures a Cleaner.
type CleanerOption func(*Cleaner)

// WithCleanerLogger sets the logger for the cleaner.
func WithCleanerLogger(logger *zap.Logger) CleanerOption {
	return func(c *Cleaner) {
		c.logger = logger
	}
}

// WithCleanerMetrics reports table size and evictions for iface.
func WithCleanerMetrics(m *metrics.Metrics, iface string) CleanerOption {
	return func(c *Cleaner) {
		c.entriesGauge = m.ConntrackEntries.WithLabelValues(iface)
		c.evictionsCounter = m.ConntrackEvictions.WithLabelValues(iface)
	}
}

// Cleaner evicts the least recently observed connections once the table
// fill level reaches the high water mark. It does not expire idle entries
// while there is room.
type Cleaner struct {
	pass      sync.Mutex
	lifecycle sync.Mutex

	table         ConnTable
	highWaterMark float64
	logger        *zap.Logger

	entriesGauge     prometheus.Gauge
	evictionsCounter prometheus.Counter

	ticker *time.Ticker
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewCleaner creates a stopped cleaner. A high water mark below 0.1 is
// replaced by DefaultHighWaterMark.
func NewCleaner(table ConnTable, highWaterMark float64, opts ...CleanerOption) *Cleaner {
	if highWaterMark < minHighWaterMark || highWaterMark > 1 {
		highWaterMark = DefaultHighWaterMark
	}

	c := &Cleaner{
		table:         table,
		highWaterMark: highWaterMark,
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// HighWaterMark returns the effective high water mark.
func (c *Cleaner) HighWaterMark() float64 {
	return c.highWaterMark
}

// Start runs Cleanup every interval.
func (c *Cleaner) Start(interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultCleanupWindow
	}

	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if c.ticker != nil {
		return ErrCleanupAlreadyRunning
	}

	c.ticker = time.NewTicker(interval)
	c.done = make(chan struct{})

	c.wg.Add(1)
	go c.run(c.ticker, c.done)
	return nil
}

func (c *Cleaner) run(ticker *time.Ticker, done chan struct{}) {
	defer c.wg.Done()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if _, err := c.Cleanup(); err != nil {
				c.logger.Warn("conntrack cleanup failed", zap.Error(err))
			}
		}
	}
}

// Stop halts periodic cleanup.
func (c *Cleaner) Stop() {
	c.lifecycle.Lock()
	if c.ticker == nil {
		c.lifecycle.Unlock()
		return
	}
	c.ticker.Stop()
	close(c.done)
	c.ticker = nil
	c.lifecycle.Unlock()

	c.wg.Wait()
}

// Cleanup runs one pass and returns the number of evicted entries. It
// returns immediately if another pass is in progress.
func (c *Cleaner) Cleanup() (int, error) {
	if !c.pass.TryLock() {
		return 0, nil
	}
	defer c.pass.Unlock()

	current, err := store.GetAll(c.table)
	if err != nil {
		return 0, err
	}

	capacity := float64(c.table.Cap())
	if capacity == 0 {
		c.setEntries(len(current))
		return 0, nil
	}

	fill := float64(len(current)) / capacity
	if fill < c.highWaterMark {
		c.setEntries(len(current))
		return 0, nil
	}

	var (
		byEpoch = make(map[uint32][]packet.ConnIdent)
		epochs  []uint32
	)
	for client, meta := range current {
		if _, ok := byEpoch[meta.LastObserved]; !ok {
			epochs = append(epochs, meta.LastObserved)
		}
		byEpoch[meta.LastObserved] = append(byEpoch[meta.LastObserved], client)
	}
	slices.Sort(epochs)

	// Whole epochs are evicted, so more than the minimum may go.
	minToDelete := len(current) - int(math.Floor(c.highWaterMark*capacity+1e-9))
	var toDelete []packet.ConnIdent
	for i := 0; len(toDelete) < minToDelete && i < len(epochs); i++ {
		toDelete = append(toDelete, byEpoch[epochs[i]]...)
	}

	if err := store.DeleteAll(c.table, toDelete); err != nil {
		return 0, err
	}

	if c.evictionsCounter != nil {
		c.evictionsCounter.Add(float64(len(toDelete)))
	}
	c.setEntries(len(current) - len(toDelete))

	c.logger.Info("evicted tracked connections",
		zap.Int("evicted", len(toDelete)),
		zap.Int("remaining", len(current)-len(toDelete)),
		zap.Float64("fill", fill))

	return len(toDelete), nil
}

func (c *Cleaner) setEntries(n int) {
	if c.entriesGauge != nil {
		c.entriesGauge.Set(float64(n))
	}
}
