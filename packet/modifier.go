package packet

import (
	"encoding/binary"
)

// SetSourceIPv4 changes the source address of an IPv4 packet.
// This modifies the packet in place and does not touch the checksum.
func (p *Packet) SetSourceIPv4(ip uint32) {
	if !p.writableIPv4() {
		return
	}
	off := p.NetworkOffset + 12
	binary.BigEndian.PutUint32(p.Raw[off:off+4], ip)
	p.Src = Uint32ToAddr(ip)
}

// SetDestinationIPv4 changes the destination address of an IPv4 packet.
// This modifies the packet in place and does not touch the checksum.
func (p *Packet) SetDestinationIPv4(ip uint32) {
	if !p.writableIPv4() {
		return
	}
	off := p.NetworkOffset + 16
	binary.BigEndian.PutUint32(p.Raw[off:off+4], ip)
	p.Dst = Uint32ToAddr(ip)
}

// SetTOS overwrites the type-of-service byte of an IPv4 packet.
func (p *Packet) SetTOS(tos uint8) {
	if !p.writableIPv4() {
		return
	}
	p.Raw[p.NetworkOffset+1] = tos
}

// RecomputeChecksum writes a fresh IPv4 header checksum and returns it.
// Only the network header is covered, the transport checksum is left as is.
func (p *Packet) RecomputeChecksum() uint16 {
	if !p.writableIPv4() {
		return 0
	}
	hdr := p.NetworkHeader()
	hdr[10] = 0
	hdr[11] = 0
	sum := Checksum(hdr)
	binary.BigEndian.PutUint16(hdr[10:12], sum)
	return sum
}

func (p *Packet) writableIPv4() bool {
	return p.Version == 4 &&
		p.NetworkHeaderLen >= IPv4MinHeaderLen &&
		len(p.Raw) >= p.NetworkOffset+p.NetworkHeaderLen
}
