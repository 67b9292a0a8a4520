package ipc

import (
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/igjeong/edgeflow/export"
	"github.com/igjeong/edgeflow/firewall"
	"github.com/igjeong/edgeflow/nat"
	"github.com/igjeong/edgeflow/pipeline"
)

type fakeSource struct {
	stats   pipeline.Stats
	conns   []nat.ConnectionInfo
	connErr error
}

func (f fakeSource) Stats() pipeline.Stats { return f.stats }

func (f fakeSource) Connections() ([]nat.ConnectionInfo, error) { return f.conns, f.connErr }

var testSource = fakeSource{
	stats: pipeline.Stats{
		Interface:       "eth0",
		Uptime:          90 * time.Second,
		DefaultPolicy:   firewall.VerdictDrop,
		ExporterBackend: export.BackendSharedRing,
		Attachments:     pipeline.Attachments{Filter: "f", Ingress: "i", Egress: "e"},
		Firewall:        firewall.Stats{Passed: 100, Dropped: 5, EventsEmitted: 3},
		NATEnabled:      true,
		NAT:             nat.Stats{IngressTranslated: 80, EgressTranslated: 79},
		Epoch:           42,
		Tracked:         1,
		Capacity:        1024,
	},
	conns: []nat.ConnectionInfo{{
		Protocol:     "tcp",
		Client:       "203.0.113.7:51000/tcp",
		Destination:  "192.168.0.10:80/tcp",
		LastObserved: 41,
	}},
}

func startServer(t *testing.T, statusFunc StatusFunc) *Server {
	t.Helper()
	server := NewServer("127.0.0.1:0", statusFunc)
	require.NoError(t, server.Start())
	t.Cleanup(server.Stop)
	return server
}

func roundTrip(t *testing.T, server *Server, command string, resp any) {
	t.Helper()

	conn, err := net.DialTimeout("tcp", server.Addr().String(), 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(5 * time.Second))
	require.NoError(t, json.NewEncoder(conn).Encode(Request{Command: command}))
	require.NoError(t, json.NewDecoder(conn).Decode(resp))
}

func TestNewServerDefaults(t *testing.T) {
	server := NewServer("", nil)
	assert.Equal(t, DefaultAddr, server.addr)
	assert.Nil(t, server.Addr())
	assert.Equal(t, DefaultAddr, NewClient("").addr)
}

func TestServerStartStop(t *testing.T) {
	server := NewServer("127.0.0.1:0", NewStatusFunc(testSource, nil))

	require.NoError(t, server.Start())
	assert.NotNil(t, server.Addr())

	// Try to start again (should fail)
	assert.Error(t, server.Start())

	server.Stop()
	assert.Nil(t, server.Addr())

	// Stop again (should not panic)
	server.Stop()
}

func TestServerPingCommand(t *testing.T) {
	server := startServer(t, NewStatusFunc(testSource, nil))

	var resp map[string]string
	roundTrip(t, server, CommandPing, &resp)
	assert.Equal(t, "ok", resp["status"])

	assert.NoError(t, NewClient(server.Addr().String()).Ping())
}

func TestServerStatusCommand(t *testing.T) {
	server := startServer(t, NewStatusFunc(testSource, nil))

	status, err := NewClient(server.Addr().String()).GetStatus()
	require.NoError(t, err)

	assert.True(t, status.Running)
	assert.Equal(t, "eth0", status.Interface)
	assert.Equal(t, "1m 30s", status.UptimeStr)
	assert.Equal(t, "drop", status.DefaultPolicy)
	assert.Equal(t, "shared_ring", status.ExporterBackend)
	assert.Equal(t, "i", status.Attachments.Ingress)
	assert.Equal(t, FirewallStatus{Passed: 100, Dropped: 5, EventsEmitted: 3}, status.Firewall)
	assert.Equal(t, uint64(80), status.NAT.IngressTranslated)
	assert.Equal(t, uint32(42), status.Epoch)
	assert.Equal(t, 1, status.ActiveConns)
	assert.Equal(t, 1024, status.ConnCapacity)
	assert.Empty(t, status.Connections)
}

func TestServerConnectionsCommand(t *testing.T) {
	server := startServer(t, NewStatusFunc(testSource, nil))

	status, err := NewClient(server.Addr().String()).GetConnections()
	require.NoError(t, err)
	assert.Equal(t, testSource.conns, status.Connections)

	failing := testSource
	failing.connErr = errors.New("iterate failed")
	server = startServer(t, NewStatusFunc(failing, nil))

	status, err = NewClient(server.Addr().String()).GetConnections()
	require.NoError(t, err)
	assert.Contains(t, status.Error, "iterate failed")
	assert.Empty(t, status.Connections)
}

func TestServerUnknownCommand(t *testing.T) {
	server := startServer(t, nil)

	var resp map[string]string
	roundTrip(t, server, "unknown", &resp)
	assert.Equal(t, "unknown command", resp["error"])

	roundTrip(t, server, CommandStatus, &resp)
	assert.Equal(t, "status function not set", resp["error"])
}

func TestClientNotRunning(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	listener.Close()

	client := NewClient(addr)
	assert.Error(t, client.Ping())
	_, err = client.GetStatus()
	assert.Error(t, err)
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "0s"},
		{59 * time.Second, "59s"},
		{61 * time.Second, "1m 1s"},
		{2*time.Hour + 3*time.Minute + 4*time.Second, "2h 3m 4s"},
		{1500 * time.Millisecond, "2s"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatDuration(tt.d), tt.d.String())
	}
}
