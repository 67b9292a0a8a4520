package pipeline

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/igjeong/edgeflow/config"
	"github.com/igjeong/edgeflow/export"
	"github.com/igjeong/edgeflow/firewall"
	"github.com/igjeong/edgeflow/metrics"
	"github.com/igjeong/edgeflow/packet"
	"github.com/igjeong/edgeflow/packet/packettest"
)

const testConfig = `
interface: eth0
firewall:
  default_policy: pass
  rules:
    - dest: ":443/tcp"
      policy: drop
      monitor: true
    - dest: ":22/tcp"
      policy: pass
nat:
  local_address: 192.168.0.1
  conntrack:
    capacity: 64
  translations:
    - dest: "192.168.0.10:80/tcp"
      translate_to: 10.0.0.5
    - dest: ":8080/tcp"
      redirect_to: interface
`

var ifaceAddr = netip.MustParseAddr("10.9.9.9")

type eventRecorder struct {
	mu     sync.Mutex
	events []export.Event
}

func (r *eventRecorder) OnObservedPacket(ev export.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) Events() []export.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]export.Event(nil), r.events...)
}

func resolveTo(addr netip.Addr) Option {
	return WithAddrResolver(func(string) (netip.Addr, error) { return addr, nil })
}

func parseConfig(t *testing.T, doc string) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(doc))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	return cfg
}

func newTestPipeline(t *testing.T, cfg *config.Config, opts ...Option) *Pipeline {
	t.Helper()
	opts = append([]Option{WithLogger(zaptest.NewLogger(t)), resolveTo(ifaceAddr)}, opts...)
	p, err := New(cfg, opts...)
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() { assert.NoError(t, p.Close()) })
	return p
}

func dstOf(frame []byte) netip.Addr {
	return packet.Reader{}.Read(frame).Dst
}

func srcOf(frame []byte) netip.Addr {
	return packet.Reader{}.Read(frame).Src
}

func TestPipeline_NATRoundTrip(t *testing.T) {
	p := newTestPipeline(t, parseConfig(t, testConfig))

	in := packettest.TCP("203.0.113.7", 51000, "192.168.0.10", 80).IPv4(t)
	require.True(t, p.Ingress(0, in))
	assert.Equal(t, netip.MustParseAddr("10.0.0.5"), dstOf(in))

	out := packettest.TCP("10.0.0.5", 80, "203.0.113.7", 51000).IPv4(t)
	require.True(t, p.Egress(out))
	assert.Equal(t, netip.MustParseAddr("192.168.0.10"), srcOf(out))

	conns, err := p.Connections()
	require.NoError(t, err)
	require.Len(t, conns, 1)
	assert.Equal(t, "203.0.113.7:51000/tcp", conns[0].Client)
	assert.Equal(t, "192.168.0.10:80/tcp", conns[0].Destination)

	stats := p.Stats()
	assert.Equal(t, uint64(1), stats.NAT.IngressTranslated)
	assert.Equal(t, uint64(1), stats.NAT.EgressTranslated)
	assert.Equal(t, 1, stats.Tracked)
	assert.Equal(t, 64, stats.Capacity)
	assert.True(t, stats.NATEnabled)
}

func TestPipeline_RedirectToInterface(t *testing.T) {
	p := newTestPipeline(t, parseConfig(t, testConfig))

	in := packettest.TCP("203.0.113.7", 51000, "198.51.100.1", 8080).IPv4(t)
	require.True(t, p.Ingress(0, in))
	assert.Equal(t, ifaceAddr, dstOf(in))
}

func TestPipeline_FirewallDropEmitsEvent(t *testing.T) {
	rec := &eventRecorder{}
	reg := metrics.NewMetrics()
	p := newTestPipeline(t, parseConfig(t, testConfig), WithSink(rec), WithMetrics(reg))

	frame := packettest.TCP("203.0.113.7", 40000, "192.168.0.10", 443).IPv4(t)
	orig := append([]byte(nil), frame...)
	assert.False(t, p.Ingress(0, frame))
	assert.Equal(t, orig, frame, "dropped frames never reach NAT")

	require.Eventually(t, func() bool { return len(rec.Events()) == 1 }, 2*time.Second, 5*time.Millisecond)
	ev := rec.Events()[0]
	assert.Equal(t, uint16(443), ev.DestPort)
	assert.Equal(t, packet.TransportTCP, ev.Transport)

	// Pass rule without monitor.
	assert.True(t, p.Ingress(0, packettest.TCP("203.0.113.7", 40001, "192.168.0.10", 22).IPv4(t)))

	stats := p.Stats()
	assert.Equal(t, firewall.Stats{Passed: 1, Dropped: 1, EventsEmitted: 1}, stats.Firewall)
	assert.Equal(t, float64(1), testutil.ToFloat64(reg.FirewallPackets.WithLabelValues("drop")))
}

func TestPipeline_Reload(t *testing.T) {
	p := newTestPipeline(t, parseConfig(t, testConfig))

	reloaded := parseConfig(t, `
interface: eth0
firewall:
  default_policy: pass
  rules:
    - dest: ":80/tcp"
      policy: drop
nat:
  local_address: 192.168.0.1
  translations:
    - dest: "192.168.0.10:443/tcp"
      translate_to: 10.0.0.6
`)
	require.NoError(t, p.Reload(reloaded))

	// 443 now passes the firewall and is translated.
	in := packettest.TCP("203.0.113.7", 51000, "192.168.0.10", 443).IPv4(t)
	require.True(t, p.Ingress(0, in))
	assert.Equal(t, netip.MustParseAddr("10.0.0.6"), dstOf(in))

	// 80 is dropped, 8080 is no longer translated.
	assert.False(t, p.Ingress(0, packettest.TCP("203.0.113.7", 51001, "192.168.0.10", 80).IPv4(t)))
	miss := packettest.TCP("203.0.113.7", 51002, "198.51.100.1", 8080).IPv4(t)
	require.True(t, p.Ingress(0, miss))
	assert.Equal(t, netip.MustParseAddr("198.51.100.1"), dstOf(miss))

	invalid := parseConfig(t, testConfig)
	invalid.Interface = ""
	assert.Error(t, p.Reload(invalid))
}

func TestPipeline_Mocks(t *testing.T) {
	cfg := parseConfig(t, testConfig)
	cfg.Firewall.Mock = true
	cfg.NAT.Mock = true

	p := newTestPipeline(t, cfg, WithAddrResolver(func(string) (netip.Addr, error) {
		return netip.Addr{}, errors.New("not called")
	}))

	frame := packettest.TCP("203.0.113.7", 40000, "192.168.0.10", 443).IPv4(t)
	orig := append([]byte(nil), frame...)
	assert.True(t, p.Ingress(0, frame))
	assert.True(t, p.Egress(frame))
	assert.Equal(t, orig, frame)

	assert.IsType(t, firewall.MockAttachment{}, p.Filter())
	stats := p.Stats()
	assert.False(t, stats.NATEnabled)
	assert.Empty(t, stats.ExporterBackend)

	conns, err := p.Connections()
	assert.NoError(t, err)
	assert.Empty(t, conns)
	assert.NoError(t, p.Epoch())
}

func TestPipeline_ResolveFailure(t *testing.T) {
	cfg := parseConfig(t, testConfig)
	cfg.NAT.LocalAddress = netip.Addr{}

	_, err := New(cfg, WithAddrResolver(func(string) (netip.Addr, error) {
		return netip.Addr{}, errors.New("no such interface")
	}))
	assert.ErrorContains(t, err, "no such interface")
}

func TestPipeline_Attachments(t *testing.T) {
	p := newTestPipeline(t, parseConfig(t, testConfig))
	ids := p.Stats().Attachments

	for _, id := range []string{ids.Filter, ids.Ingress, ids.Egress} {
		_, err := uuid.Parse(id)
		assert.NoError(t, err)
	}
	assert.NotEqual(t, ids.Ingress, ids.Egress)
}

func TestPipeline_EpochIsWrittenOnStart(t *testing.T) {
	p := newTestPipeline(t, parseConfig(t, testConfig))

	// Translation needs an epoch, so a tracked entry proves the first sync.
	require.True(t, p.Ingress(0, packettest.TCP("203.0.113.7", 51000, "192.168.0.10", 80).IPv4(t)))
	assert.Equal(t, 1, p.Stats().Tracked)
	assert.Zero(t, p.Stats().NAT.MissingEpoch)
}
