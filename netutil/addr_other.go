//go:build !linux

package netutil

import (
	"fmt"
	"net"
	"net/netip"
)

// PrimaryIPv4 returns the address used for traffic addressed to iface.
func PrimaryIPv4(iface string) (netip.Addr, error) {
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("failed to find interface %s: %w", iface, err)
	}

	list, err := ifi.Addrs()
	if err != nil {
		return netip.Addr{}, fmt.Errorf("failed to list addresses of %s: %w", iface, err)
	}

	addrs := make([]netip.Addr, 0, len(list))
	for _, a := range list {
		ipnet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		if addr, ok := netip.AddrFromSlice(ipnet.IP); ok {
			addrs = append(addrs, addr)
		}
	}

	addr, ok := pickIPv4(addrs)
	if !ok {
		return netip.Addr{}, fmt.Errorf("%s: %w", iface, ErrNoIPv4Address)
	}
	return addr, nil
}
