//go:build linux

package neighbor

import (
	"fmt"

	"github.com/vishvananda/netlink"
)

const unusable = netlink.NUD_INCOMPLETE | netlink.NUD_FAILED | netlink.NUD_NOARP

func netlinkEntries(iface string) ([]Entry, error) {
	index := 0
	if iface != "" {
		link, err := netlink.LinkByName(iface)
		if err != nil {
			return nil, fmt.Errorf("link %s: %w", iface, err)
		}
		index = link.Attrs().Index
	}

	neighbors, err := netlink.NeighList(index, netlink.FAMILY_V4)
	if err != nil {
		return nil, fmt.Errorf("listing neighbors: %w", err)
	}

	entries := make([]Entry, 0, len(neighbors))
	for _, n := range neighbors {
		if n.IP == nil || len(n.HardwareAddr) != 6 || n.State&unusable != 0 || isZero(n.HardwareAddr) {
			continue
		}
		entries = append(entries, Entry{IP: n.IP.String(), MAC: n.HardwareAddr.String()})
	}
	return entries, nil
}
