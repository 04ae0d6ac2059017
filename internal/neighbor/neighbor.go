// Package neighbor resolves client IP addresses to MAC addresses from the
// kernel neighbor table.
package neighbor

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"

	"grimm.is/tollgate/internal/logging"
)

// ErrNotFound is returned when the address has no usable neighbor entry.
var ErrNotFound = errors.New("no neighbor entry")

// DefaultARPTable is the procfs view of the IPv4 neighbor table.
const DefaultARPTable = "/proc/net/arp"

// Resolver maps an IP address to the MAC address that owns it.
type Resolver interface {
	ResolveMAC(ip string) (string, error)
}

// Entry is one complete neighbor table entry.
type Entry struct {
	IP  string
	MAC string
}

// Table resolves through netlink and falls back to reading ARPTable.
type Table struct {
	// ARPTable is the file in /proc/net/arp format.
	ARPTable string
	// Interface limits lookups to one link. Empty means all links.
	Interface string

	list   func(iface string) ([]Entry, error)
	logger *logging.Logger
}

var _ Resolver = (*Table)(nil)

// NewTable creates a resolver for iface.
func NewTable(arpTable, iface string, logger *logging.Logger) *Table {
	if arpTable == "" {
		arpTable = DefaultARPTable
	}
	return &Table{
		ARPTable:  arpTable,
		Interface: iface,
		list:      netlinkEntries,
		logger:    logging.OrDefault(logger).WithComponent("neighbor"),
	}
}

// ResolveMAC returns the lower-case MAC of ip.
func (t *Table) ResolveMAC(ip string) (string, error) {
	if net.ParseIP(ip) == nil {
		return "", fmt.Errorf("invalid address %q", ip)
	}

	if t.list != nil {
		entries, err := t.list(t.Interface)
		if err == nil {
			if mac, ok := find(entries, ip); ok {
				return mac, nil
			}
		} else {
			t.logger.Debug("netlink neighbor dump failed, reading arp table", "error", err)
		}
	}

	f, err := os.Open(t.ARPTable)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", t.ARPTable, err)
	}
	defer f.Close()

	entries, err := ParseARPTable(f, t.Interface)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", t.ARPTable, err)
	}
	if mac, ok := find(entries, ip); ok {
		return mac, nil
	}
	return "", fmt.Errorf("%s: %w", ip, ErrNotFound)
}

func find(entries []Entry, ip string) (string, bool) {
	for _, e := range entries {
		if e.IP == ip {
			return e.MAC, true
		}
	}
	return "", false
}

// ParseARPTable reads complete entries from r in /proc/net/arp format:
//
//	IP address       HW type     Flags       HW address            Mask     Device
//	192.168.1.10     0x1         0x2         00:11:22:33:44:55     *        br-lan
//
// Incomplete entries (flags 0x0) and zero addresses are skipped. A
// non-empty iface keeps only entries on that device.
func ParseARPTable(r io.Reader, iface string) ([]Entry, error) {
	var entries []Entry
	scanner := bufio.NewScanner(r)
	// Skip header
	scanner.Scan()

	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 6 {
			continue
		}
		if fields[2] == "0x0" {
			continue
		}
		if iface != "" && fields[5] != iface {
			continue
		}
		hw, err := net.ParseMAC(fields[3])
		if err != nil || isZero(hw) {
			continue
		}
		entries = append(entries, Entry{IP: fields[0], MAC: hw.String()})
	}
	return entries, scanner.Err()
}

func isZero(hw net.HardwareAddr) bool {
	for _, b := range hw {
		if b != 0 {
			return false
		}
	}
	return true
}
