//go:build linux

package netutil

import (
	"fmt"
	"net/netip"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// PrimaryIPv4 returns the address used for traffic addressed to iface.
func PrimaryIPv4(iface string) (netip.Addr, error) {
	link, err := netlink.LinkByName(iface)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("failed to find interface %s: %w", iface, err)
	}

	list, err := netlink.AddrList(link, unix.AF_INET)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("failed to list addresses of %s: %w", iface, err)
	}

	addrs := make([]netip.Addr, 0, len(list))
	for _, a := range list {
		if a.IPNet == nil {
			continue
		}
		if addr, ok := netip.AddrFromSlice(a.IP); ok {
			addrs = append(addrs, addr)
		}
	}

	addr, ok := pickIPv4(addrs)
	if !ok {
		return netip.Addr{}, fmt.Errorf("%s: %w", iface, ErrNoIPv4Address)
	}
	return addr, nil
}
