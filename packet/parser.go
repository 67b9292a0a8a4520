// Package packet provides bounded frame parsing and in-place header rewriting.
package packet

import (
	"encoding/binary"
	"errors"
	"net/netip"
)

// Short-circuit errors, see Status.Err.
var (
	ErrMalformedFrame       = errors.New("malformed frame")
	ErrFragmentedPacket     = errors.New("fragmented packet")
	ErrUnsupportedTransport = errors.New("unsupported transport protocol")
	ErrUnrecognizedFrame    = errors.New("unrecognized frame")
)

// EtherType constants
const (
	EtherTypeUnset uint16 = 0x0000
	EtherTypeIPv4  uint16 = 0x0800
	EtherTypeARP   uint16 = 0x0806
	EtherTypeIPv6  uint16 = 0x86DD
)

// Protocol constants
const (
	ProtocolTCP uint8 = 6
	ProtocolUDP uint8 = 17
)

// TCP flags
const (
	TCPFlagFIN = 0x01
	TCPFlagSYN = 0x02
	TCPFlagRST = 0x04
	TCPFlagPSH = 0x08
	TCPFlagACK = 0x10
)

const (
	EthernetHeaderLen = 14
	IPv4MinHeaderLen  = 20
	IPv6HeaderLen     = 40
	TCPMinHeaderLen   = 20
	UDPHeaderLen      = 8

	// MF flag plus the 13 bit fragment offset, network byte order.
	ipv4FragmentMask = 0x3FFF

	maxIPv6ExtensionHeaders = 8
)

// IPv6 extension header numbers the reader walks over.
const (
	ipv6HopByHop    uint8 = 0
	ipv6Routing     uint8 = 43
	ipv6Fragment    uint8 = 44
	ipv6AuthHeader  uint8 = 51
	ipv6DestOptions uint8 = 60
)

// Status is the outcome of reading a frame.
type Status uint8

const (
	StatusParsed Status = iota
	StatusMalformed
	StatusARP
	StatusUnrecognized
	StatusFragmented
	StatusUnsupportedTransport
)

func (s Status) String() string {
	switch s {
	case StatusParsed:
		return "parsed"
	case StatusMalformed:
		return "malformed"
	case StatusARP:
		return "arp"
	case StatusUnrecognized:
		return "unrecognized"
	case StatusFragmented:
		return "fragmented"
	case StatusUnsupportedTransport:
		return "unsupported_transport"
	default:
		return "unknown"
	}
}

// Err returns the sentinel error for a short-circuit status, or nil for
// StatusParsed and StatusARP.
func (s Status) Err() error {
	switch s {
	case StatusMalformed:
		return ErrMalformedFrame
	case StatusUnrecognized:
		return ErrUnrecognizedFrame
	case StatusFragmented:
		return ErrFragmentedPacket
	case StatusUnsupportedTransport:
		return ErrUnsupportedTransport
	default:
		return nil
	}
}

// Layer identifies a header boundary.
type Layer uint8

const (
	LayerNone Layer = iota
	LayerLink
	LayerNetwork
	LayerTransport
)

func (l Layer) String() string {
	switch l {
	case LayerLink:
		return "link"
	case LayerNetwork:
		return "network"
	case LayerTransport:
		return "transport"
	default:
		return "none"
	}
}

// L4Meta is the transport metadata of a fully parsed packet.
type L4Meta struct {
	SrcPort   uint16
	DstPort   uint16
	Transport Transport
	State     ConnState
}

// Packet holds the result of Reader.Read. Raw aliases the caller's frame,
// modifications through the Set* methods are visible to the caller.
type Packet struct {
	Status Status
	// Layer is the header boundary a malformed frame was cut short at.
	Layer     Layer
	EtherType uint16
	Raw       []byte

	NetworkOffset    int
	NetworkHeaderLen int
	Version          uint8
	Protocol         uint8
	Src              netip.Addr
	Dst              netip.Addr

	// L4 is only valid when Status == StatusParsed.
	L4 L4Meta
}

// Parsed reports whether addresses and L4 metadata are valid.
func (p *Packet) Parsed() bool {
	return p.Status == StatusParsed
}

// IsIPv4 reports whether the network layer is IPv4.
func (p *Packet) IsIPv4() bool {
	return p.Version == 4
}

// SourceIdent returns the connection identity of the sender.
func (p *Packet) SourceIdent() ConnIdent {
	return ConnIdent{IP: AddrToUint32(p.Src), Port: p.L4.SrcPort, Transport: p.L4.Transport}
}

// DestIdent returns the connection identity of the receiver.
func (p *Packet) DestIdent() ConnIdent {
	return ConnIdent{IP: AddrToUint32(p.Dst), Port: p.L4.DstPort, Transport: p.L4.Transport}
}

// NetworkHeader returns the network layer header bytes.
func (p *Packet) NetworkHeader() []byte {
	return p.Raw[p.NetworkOffset : p.NetworkOffset+p.NetworkHeaderLen]
}

// Reader parses Ethernet frames. The zero value is ready to use.
type Reader struct {
	// AcceptUnsetEtherType treats EtherType 0 as IPv4. Some egress hooks see
	// frames before the link layer type is filled in.
	AcceptUnsetEtherType bool
}

// Read parses frame and never reads beyond its length. It does not allocate.
func (r Reader) Read(frame []byte) Packet {
	pkt := Packet{Raw: frame}

	if len(frame) < EthernetHeaderLen {
		return pkt.malformed(LayerLink)
	}

	pkt.EtherType = binary.BigEndian.Uint16(frame[12:14])
	pkt.NetworkOffset = EthernetHeaderLen

	switch pkt.EtherType {
	case EtherTypeARP:
		pkt.Status = StatusARP
		return pkt
	case EtherTypeIPv4:
		return r.readIPv4(pkt)
	case EtherTypeIPv6:
		return r.readIPv6(pkt)
	case EtherTypeUnset:
		if r.AcceptUnsetEtherType {
			return r.readIPv4(pkt)
		}
	}

	pkt.Status = StatusUnrecognized
	return pkt
}

func (r Reader) readIPv4(pkt Packet) Packet {
	data := pkt.Raw[pkt.NetworkOffset:]
	if len(data) < IPv4MinHeaderLen {
		return pkt.malformed(LayerNetwork)
	}

	pkt.Version = data[0] >> 4
	if pkt.Version != 4 {
		return pkt.malformed(LayerNetwork)
	}

	headerLen := int(data[0]&0x0F) * 4
	if headerLen < IPv4MinHeaderLen || len(data) < headerLen {
		return pkt.malformed(LayerNetwork)
	}

	pkt.NetworkHeaderLen = headerLen
	pkt.Protocol = data[9]
	pkt.Src = netip.AddrFrom4([4]byte(data[12:16]))
	pkt.Dst = netip.AddrFrom4([4]byte(data[16:20]))

	if binary.BigEndian.Uint16(data[6:8])&ipv4FragmentMask != 0 {
		pkt.Status = StatusFragmented
		return pkt
	}

	return readTransport(pkt, pkt.NetworkOffset+headerLen)
}

func (r Reader) readIPv6(pkt Packet) Packet {
	data := pkt.Raw[pkt.NetworkOffset:]
	if len(data) < IPv6HeaderLen {
		return pkt.malformed(LayerNetwork)
	}

	pkt.Version = data[0] >> 4
	if pkt.Version != 6 {
		return pkt.malformed(LayerNetwork)
	}

	pkt.NetworkHeaderLen = IPv6HeaderLen
	pkt.Src = netip.AddrFrom16([16]byte(data[8:24]))
	pkt.Dst = netip.AddrFrom16([16]byte(data[24:40]))

	next := data[6]
	offset := pkt.NetworkOffset + IPv6HeaderLen
	for i := 0; ; i++ {
		var extLen int
		switch next {
		case ipv6Fragment:
			pkt.Protocol = next
			pkt.Status = StatusFragmented
			return pkt
		case ipv6HopByHop, ipv6Routing, ipv6DestOptions, ipv6AuthHeader:
			if i == maxIPv6ExtensionHeaders {
				pkt.Protocol = next
				pkt.Status = StatusUnsupportedTransport
				return pkt
			}
			if len(pkt.Raw) < offset+2 {
				return pkt.malformed(LayerNetwork)
			}
			if next == ipv6AuthHeader {
				extLen = (int(pkt.Raw[offset+1]) + 2) * 4
			} else {
				extLen = (int(pkt.Raw[offset+1]) + 1) * 8
			}
			if len(pkt.Raw) < offset+extLen {
				return pkt.malformed(LayerNetwork)
			}
			next = pkt.Raw[offset]
			offset += extLen
			continue
		}
		break
	}

	pkt.Protocol = next
	return readTransport(pkt, offset)
}

func readTransport(pkt Packet, offset int) Packet {
	data := pkt.Raw[offset:]

	switch pkt.Protocol {
	case ProtocolTCP:
		if len(data) < TCPMinHeaderLen {
			return pkt.malformed(LayerTransport)
		}
		pkt.L4 = L4Meta{
			SrcPort:   binary.BigEndian.Uint16(data[0:2]),
			DstPort:   binary.BigEndian.Uint16(data[2:4]),
			Transport: TransportTCP,
			State:     tcpConnState(data[13]),
		}
	case ProtocolUDP:
		if len(data) < UDPHeaderLen {
			return pkt.malformed(LayerTransport)
		}
		pkt.L4 = L4Meta{
			SrcPort:   binary.BigEndian.Uint16(data[0:2]),
			DstPort:   binary.BigEndian.Uint16(data[2:4]),
			Transport: TransportUDP,
			State:     ConnStateUnknown,
		}
	default:
		pkt.Status = StatusUnsupportedTransport
		return pkt
	}

	pkt.Status = StatusParsed
	return pkt
}

// tcpConnState infers the connection state from TCP flags. FIN wins over RST.
func tcpConnState(flags uint8) ConnState {
	switch {
	case flags&TCPFlagFIN != 0:
		return ConnStateClosing
	case flags&TCPFlagRST != 0:
		return ConnStateForceClose
	default:
		return ConnStateOpen
	}
}

func (p Packet) malformed(layer Layer) Packet {
	p.Status = StatusMalformed
	p.Layer = layer
	p.L4 = L4Meta{}
	return p
}
