package packet

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/igjeong/edgeflow/packet/packettest"
)

func TestChecksum_IPv4Header(t *testing.T) {
	// Header with its checksum field zeroed, checksum 0xb861.
	hdr := []byte{
		0x45, 0x00, 0x00, 0x73, 0x00, 0x00, 0x40, 0x00,
		0x40, 0x11, 0x00, 0x00, 0xc0, 0xa8, 0x00, 0x01,
		0xc0, 0xa8, 0x00, 0xc7,
	}
	assert.Equal(t, uint16(0xb861), Checksum(hdr))

	// A header carrying its checksum sums to zero.
	hdr[10], hdr[11] = 0xb8, 0x61
	assert.Zero(t, Checksum(hdr))
}

func TestChecksum_MatchesSerializer(t *testing.T) {
	frames := []packettest.Frame{
		packettest.TCP("10.0.0.1", 1234, "192.168.0.10", 80),
		packettest.UDP("255.255.255.255", 68, "0.0.0.0", 67),
		packettest.TCP("172.16.254.3", 65535, "8.8.4.4", 443),
	}
	frames[2].TOS = 0xFC
	frames[2].MoreFragments = true

	for _, f := range frames {
		frame := f.IPv4(t)
		hdr := frame[EthernetHeaderLen : EthernetHeaderLen+IPv4MinHeaderLen]
		want := binary.BigEndian.Uint16(hdr[10:12])

		hdr[10], hdr[11] = 0, 0
		assert.Equal(t, want, Checksum(hdr), "frame %s -> %s", f.Src, f.Dst)
	}
}

func TestChecksum_OddLength(t *testing.T) {
	// 0x0102 + 0x0300 = 0x0402, complemented.
	assert.Equal(t, ^uint16(0x0402), Checksum([]byte{0x01, 0x02, 0x03}))
}

func TestChecksum_FoldsCarry(t *testing.T) {
	data := make([]byte, 60)
	for i := range data {
		data[i] = 0xFF
	}
	assert.Equal(t, uint16(0), Checksum(data))
}
