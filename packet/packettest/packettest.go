// Package packettest builds Ethernet frames for tests.
package packettest

import (
	"net"
	"testing"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
)

var (
	srcMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	dstMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
)

// Frame describes a single TCP or UDP frame.
type Frame struct {
	Src     string
	Dst     string
	SrcPort uint16
	DstPort uint16
	UDP     bool

	SYN, ACK, FIN, RST bool

	MoreFragments bool
	DontFragment  bool
	FragOffset    uint16
	TOS           uint8

	Payload []byte
}

// TCP returns a TCP frame description with the given endpoints.
func TCP(src string, srcPort uint16, dst string, dstPort uint16) Frame {
	return Frame{Src: src, SrcPort: srcPort, Dst: dst, DstPort: dstPort}
}

// UDP returns a UDP frame description with the given endpoints.
func UDP(src string, srcPort uint16, dst string, dstPort uint16) Frame {
	return Frame{Src: src, SrcPort: srcPort, Dst: dst, DstPort: dstPort, UDP: true}
}

// IPv4 serializes f over IPv4 with lengths and checksums filled in.
func (f Frame) IPv4(t testing.TB) []byte {
	t.Helper()

	var flags layers.IPv4Flag
	if f.MoreFragments {
		flags |= layers.IPv4MoreFragments
	}
	if f.DontFragment {
		flags |= layers.IPv4DontFragment
	}

	ip := &layers.IPv4{
		Version:    4,
		IHL:        5,
		TOS:        f.TOS,
		TTL:        64,
		Id:         0x1c46,
		Flags:      flags,
		FragOffset: f.FragOffset,
		SrcIP:      net.ParseIP(f.Src).To4(),
		DstIP:      net.ParseIP(f.Dst).To4(),
	}

	return f.serialize(t, layers.EthernetTypeIPv4, ip)
}

// IPv6 serializes f over IPv6.
func (f Frame) IPv6(t testing.TB) []byte {
	t.Helper()

	ip := &layers.IPv6{
		Version:  6,
		HopLimit: 64,
		SrcIP:    net.ParseIP(f.Src),
		DstIP:    net.ParseIP(f.Dst),
	}

	return f.serialize(t, layers.EthernetTypeIPv6, ip)
}

func (f Frame) serialize(t testing.TB, etherType layers.EthernetType, network gopacket.SerializableLayer) []byte {
	t.Helper()

	eth := &layers.Ethernet{SrcMAC: srcMAC, DstMAC: dstMAC, EthernetType: etherType}

	var transport gopacket.SerializableLayer
	if f.UDP {
		udp := &layers.UDP{SrcPort: layers.UDPPort(f.SrcPort), DstPort: layers.UDPPort(f.DstPort)}
		setNetworkLayer(t, udp, network)
		transport = udp
		setProtocol(network, layers.IPProtocolUDP)
	} else {
		tcp := &layers.TCP{
			SrcPort: layers.TCPPort(f.SrcPort),
			DstPort: layers.TCPPort(f.DstPort),
			Seq:     1000,
			Window:  65535,
			SYN:     f.SYN,
			ACK:     f.ACK,
			FIN:     f.FIN,
			RST:     f.RST,
		}
		setNetworkLayer(t, tcp, network)
		transport = tcp
		setProtocol(network, layers.IPProtocolTCP)
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, network, transport, gopacket.Payload(f.Payload)); err != nil {
		t.Fatalf("serialize frame: %v", err)
	}

	return buf.Bytes()
}

type checksummedLayer interface {
	SetNetworkLayerForChecksum(gopacket.NetworkLayer) error
}

func setNetworkLayer(t testing.TB, l checksummedLayer, network gopacket.SerializableLayer) {
	t.Helper()
	nl, ok := network.(gopacket.NetworkLayer)
	if !ok {
		t.Fatalf("%T is not a network layer", network)
	}
	if err := l.SetNetworkLayerForChecksum(nl); err != nil {
		t.Fatalf("set network layer: %v", err)
	}
}

func setProtocol(network gopacket.SerializableLayer, proto layers.IPProtocol) {
	switch ip := network.(type) {
	case *layers.IPv4:
		ip.Protocol = proto
	case *layers.IPv6:
		ip.NextHeader = proto
	}
}

// ARP returns an ARP request frame.
func ARP(t testing.TB) []byte {
	t.Helper()

	eth := &layers.Ethernet{
		SrcMAC:       srcMAC,
		DstMAC:       net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
		EthernetType: layers.EthernetTypeARP,
	}
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPRequest,
		SourceHwAddress:   srcMAC,
		SourceProtAddress: net.IP{10, 0, 0, 1}.To4(),
		DstHwAddress:      make(net.HardwareAddr, 6),
		DstProtAddress:    net.IP{10, 0, 0, 2}.To4(),
	}

	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, eth, arp); err != nil {
		t.Fatalf("serialize arp: %v", err)
	}
	return buf.Bytes()
}

// Raw wraps an arbitrary payload in an Ethernet header with etherType.
func Raw(etherType uint16, payload []byte) []byte {
	frame := make([]byte, 14+len(payload))
	copy(frame[0:6], dstMAC)
	copy(frame[6:12], srcMAC)
	frame[12] = byte(etherType >> 8)
	frame[13] = byte(etherType)
	copy(frame[14:], payload)
	return frame
}
