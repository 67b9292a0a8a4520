package nat

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/igjeong/edgeflow/store"
)

var (
	ErrAlreadySyncing = errors.New("already syncing epoch")
	ErrMissingEpoch   = errors.New("current epoch is not set")
)

// DefaultEpochSyncWindow is the interval between epoch updates.
const DefaultEpochSyncWindow = 1 * time.Second

// ConfigKey indexes the NAT configuration table.
type ConfigKey uint32

const (
	ConfigKeyCurrentEpoch ConfigKey = iota
)

// ConfigTable holds runtime values written by the control plane.
type ConfigTable = store.Map[ConfigKey, uint32]

// EpochConfig reads the freshness stamp from the configuration table.
type EpochConfig struct {
	table ConfigTable
}

// NewEpochConfig creates a reader over table.
func NewEpochConfig(table ConfigTable) *EpochConfig {
	return &EpochConfig{table: table}
}

// Current returns the epoch. ok is false until the first sync.
func (c *EpochConfig) Current() (epoch uint32, ok bool) {
	return c.table.Lookup(ConfigKeyCurrentEpoch)
}

// EpochOption configures an EpochSync.
type EpochOption func(*EpochSync)

// WithStart overrides the reference time, mostly for tests.
func WithStart(start time.Time) EpochOption {
	return func(e *EpochSync) {
		e.start = start
	}
}

// WithEpochLogger sets the logger used for sync failures.
func WithEpochLogger(logger *zap.Logger) EpochOption {
	return func(e *EpochSync) {
		e.logger = logger
	}
}

// WithErrorCounter counts failed updates.
func WithErrorCounter(c prometheus.Counter) EpochOption {
	return func(e *EpochSync) {
		e.errCount = c
	}
}

// EpochSync periodically writes the seconds elapsed since start into the
// configuration table.
type EpochSync struct {
	mu       sync.Mutex
	table    ConfigTable
	start    time.Time
	ticker   *time.Ticker
	done     chan struct{}
	wg       sync.WaitGroup
	logger   *zap.Logger
	errCount prometheus.Counter
	now      func() time.Time
}

// NewEpochSync creates a stopped syncer.
func NewEpochSync(table ConfigTable, opts ...EpochOption) *EpochSync {
	e := &EpochSync{
		table:  table,
		start:  time.Now(),
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start writes the epoch immediately and then every window.
func (e *EpochSync) Start(window time.Duration) error {
	if window <= 0 {
		window = DefaultEpochSyncWindow
	}

	e.mu.Lock()
	if e.ticker != nil {
		e.mu.Unlock()
		return ErrAlreadySyncing
	}
	e.done = make(chan struct{})
	e.ticker = time.NewTicker(window)
	e.mu.Unlock()

	if err := e.Sync(); err != nil {
		e.handleErr(err)
	}

	e.wg.Add(1)
	go e.run(e.ticker, e.done)

	return nil
}

func (e *EpochSync) run(ticker *time.Ticker, done chan struct{}) {
	defer e.wg.Done()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := e.Sync(); err != nil {
				e.handleErr(err)
			}
		}
	}
}

// Sync writes the current epoch once.
func (e *EpochSync) Sync() error {
	return e.table.Put(ConfigKeyCurrentEpoch, e.Epoch())
}

// Epoch returns the seconds elapsed since start.
func (e *EpochSync) Epoch() uint32 {
	return uint32(e.now().Sub(e.start) / time.Second)
}

// Stop halts periodic updates. The last written epoch stays in place.
func (e *EpochSync) Stop() {
	e.mu.Lock()
	if e.ticker == nil {
		e.mu.Unlock()
		return
	}
	e.ticker.Stop()
	close(e.done)
	e.ticker = nil
	e.mu.Unlock()

	e.wg.Wait()
}

func (e *EpochSync) handleErr(err error) {
	if e.errCount != nil {
		e.errCount.Inc()
	}
	e.logger.Warn("failed to sync epoch", zap.Error(err))
}
