package packet

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// Transport is the transport protocol of a connection identity. The numeric
// values are shared with the kernel-side table layout.
type Transport uint32

const (
	TransportUnknown Transport = iota
	TransportTCP
	TransportUDP
)

func (t Transport) String() string {
	switch t {
	case TransportTCP:
		return "tcp"
	case TransportUDP:
		return "udp"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (t Transport) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Transport) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "tcp":
		*t = TransportTCP
	case "udp":
		*t = TransportUDP
	case "", "unknown", "unspecified":
		*t = TransportUnknown
	default:
		return fmt.Errorf("unknown transport: %q", text)
	}
	return nil
}

// ConnState is the connection state inferred from a single packet.
type ConnState uint8

const (
	ConnStateUnknown ConnState = iota
	ConnStateOpen
	ConnStateClosing
	ConnStateForceClose
)

func (s ConnState) String() string {
	switch s {
	case ConnStateOpen:
		return "open"
	case ConnStateClosing:
		return "closing"
	case ConnStateForceClose:
		return "force_close"
	default:
		return "unknown"
	}
}

// ConnIdent is the lookup key of every state table. IP is the big-endian
// interpretation of the IPv4 address bytes, 0 is the wildcard address.
type ConnIdent struct {
	IP        uint32
	Port      uint16
	_         [2]byte
	Transport Transport
}

// Wildcard returns the identity with the address cleared.
func (c ConnIdent) Wildcard() ConnIdent {
	c.IP = 0
	return c
}

// IsWildcard reports whether the identity matches any address.
func (c ConnIdent) IsWildcard() bool {
	return c.IP == 0
}

// Addr returns the identity's address.
func (c ConnIdent) Addr() netip.Addr {
	return Uint32ToAddr(c.IP)
}

// String formats the identity as ip:port/proto, omitting a wildcard address.
func (c ConnIdent) String() string {
	var host string
	if !c.IsWildcard() {
		host = c.Addr().String()
	}
	return host + ":" + strconv.Itoa(int(c.Port)) + "/" + c.Transport.String()
}

// MarshalText implements encoding.TextMarshaler.
func (c ConnIdent) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *ConnIdent) UnmarshalText(text []byte) error {
	parsed, err := ParseConnIdent(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// ParseConnIdent parses ip:port/proto. The address may be omitted for a
// wildcard identity and the protocol defaults to tcp.
func ParseConnIdent(s string) (ConnIdent, error) {
	var ident ConnIdent

	hostPort, proto, hasProto := strings.Cut(s, "/")
	if hasProto {
		if err := ident.Transport.UnmarshalText([]byte(proto)); err != nil {
			return ConnIdent{}, err
		}
		if ident.Transport == TransportUnknown {
			return ConnIdent{}, fmt.Errorf("invalid transport in %q", s)
		}
	} else {
		ident.Transport = TransportTCP
	}

	idx := strings.LastIndexByte(hostPort, ':')
	if idx < 0 {
		return ConnIdent{}, fmt.Errorf("missing port in %q", s)
	}

	port, err := strconv.ParseUint(hostPort[idx+1:], 10, 16)
	if err != nil {
		return ConnIdent{}, fmt.Errorf("invalid port in %q: %w", s, err)
	}
	ident.Port = uint16(port)

	if host := hostPort[:idx]; host != "" {
		addr, err := netip.ParseAddr(host)
		if err != nil {
			return ConnIdent{}, fmt.Errorf("invalid address in %q: %w", s, err)
		}
		if !addr.Is4() {
			return ConnIdent{}, fmt.Errorf("not an IPv4 address in %q", s)
		}
		ident.IP = AddrToUint32(addr)
	}

	return ident, nil
}

// AddrToUint32 converts an IPv4 address to its big-endian integer form.
// Anything else converts to 0.
func AddrToUint32(addr netip.Addr) uint32 {
	if !addr.Is4() {
		return 0
	}
	b := addr.As4()
	return binary.BigEndian.Uint32(b[:])
}

// Uint32ToAddr is the inverse of AddrToUint32.
func Uint32ToAddr(ip uint32) netip.Addr {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], ip)
	return netip.AddrFrom4(b)
}
