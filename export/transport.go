package export

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// Sink consumes events drained from a ring.
type Sink interface {
	OnObservedPacket(ev Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ev Event)

// OnObservedPacket implements Sink.
func (f SinkFunc) OnObservedPacket(ev Event) {
	f(ev)
}

// TransportOption configures a Transport.
type TransportOption func(*Transport)

// WithLogger sets the logger for the transport.
func WithLogger(logger *zap.Logger) TransportOption {
	return func(t *Transport) {
		t.logger = logger
	}
}

// Transport moves events from a Source to a Sink on its own goroutine.
type Transport struct {
	source Source
	sink   Sink
	logger *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewTransport creates a stopped transport.
func NewTransport(source Source, sink Sink, opts ...TransportOption) *Transport {
	t := &Transport{
		source: source,
		sink:   sink,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start begins draining until ctx is done, Stop is called, or the source is
// closed and empty.
func (t *Transport) Start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		return
	}

	ctx, t.cancel = context.WithCancel(ctx)
	t.done = make(chan struct{})
	t.running = true

	go t.run(ctx, t.done)
}

func (t *Transport) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		ev, err := t.source.Read(ctx)
		if err != nil {
			if errors.Is(err, ErrClosed) || ctx.Err() != nil {
				return
			}
			t.logger.Warn("failed to read event", zap.Error(err))
			continue
		}
		t.sink.OnObservedPacket(ev)
	}
}

// Stop cancels draining and waits for the goroutine to exit.
func (t *Transport) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	cancel, done := t.cancel, t.done
	t.mu.Unlock()

	cancel()
	<-done
}

// Wait blocks until the drain loop has exited.
func (t *Transport) Wait() {
	t.mu.Lock()
	done := t.done
	t.mu.Unlock()

	if done != nil {
		<-done
	}
}
