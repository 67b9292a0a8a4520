package packet

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConnIdent(t *testing.T) {
	tests := []struct {
		in      string
		want    ConnIdent
		wantErr bool
	}{
		{in: ":443/tcp", want: ConnIdent{Port: 443, Transport: TransportTCP}},
		{in: ":53/udp", want: ConnIdent{Port: 53, Transport: TransportUDP}},
		{in: "192.168.0.10:80/tcp", want: ConnIdent{IP: 0xC0A8000A, Port: 80, Transport: TransportTCP}},
		{in: "10.0.0.1:8080", want: ConnIdent{IP: 0x0A000001, Port: 8080, Transport: TransportTCP}},
		{in: ":80/UDP", want: ConnIdent{Port: 80, Transport: TransportUDP}},
		{in: "10.0.0.1", wantErr: true},
		{in: ":99999/tcp", wantErr: true},
		{in: ":80/sctp", wantErr: true},
		{in: ":80/", wantErr: true},
		{in: "[::1]:80/tcp", wantErr: true},
		{in: "nope:80/tcp", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseConnIdent(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConnIdentString(t *testing.T) {
	assert.Equal(t, ":443/tcp", ConnIdent{Port: 443, Transport: TransportTCP}.String())
	assert.Equal(t, "10.0.0.1:53/udp", ConnIdent{IP: 0x0A000001, Port: 53, Transport: TransportUDP}.String())

	var c ConnIdent
	require.NoError(t, c.UnmarshalText([]byte("10.0.0.1:53/udp")))
	assert.Equal(t, "10.0.0.1:53/udp", c.String())
}

func TestConnIdentWildcard(t *testing.T) {
	c := ConnIdent{IP: 0x0A000001, Port: 80, Transport: TransportTCP}
	w := c.Wildcard()

	assert.True(t, w.IsWildcard())
	assert.False(t, c.IsWildcard())
	assert.Equal(t, c.Port, w.Port)
	assert.Equal(t, c.Transport, w.Transport)
}

func TestAddrConversion(t *testing.T) {
	addr := netip.MustParseAddr("10.0.0.1")
	assert.Equal(t, uint32(0x0A000001), AddrToUint32(addr))
	assert.Equal(t, addr, Uint32ToAddr(0x0A000001))
	assert.Zero(t, AddrToUint32(netip.MustParseAddr("2001:db8::1")))
	assert.Zero(t, AddrToUint32(netip.Addr{}))
}

func TestTransportText(t *testing.T) {
	var tr Transport
	require.NoError(t, tr.UnmarshalText([]byte("udp")))
	assert.Equal(t, TransportUDP, tr)
	assert.Error(t, tr.UnmarshalText([]byte("icmp")))

	b, err := TransportTCP.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "tcp", string(b))
}
