// Package netutil resolves interface addresses for the control plane.
package netutil

import (
	"errors"
	"net/netip"
)

// ErrNoIPv4Address is returned when an interface carries no IPv4 address.
var ErrNoIPv4Address = errors.New("interface has no IPv4 address")

// pickIPv4 returns the first global unicast IPv4 address, or the first IPv4
// address of any scope when there is none.
func pickIPv4(addrs []netip.Addr) (netip.Addr, bool) {
	var fallback netip.Addr
	for _, addr := range addrs {
		addr = addr.Unmap()
		if !addr.Is4() {
			continue
		}
		if addr.IsGlobalUnicast() {
			return addr, true
		}
		if !fallback.IsValid() {
			fallback = addr
		}
	}
	return fallback, fallback.IsValid()
}
