//go:build linux

package firewall

import (
	"fmt"
	"net/netip"

	"github.com/ti-mo/conntrack"
)

// ConntrackFlusher deletes conntrack entries through the netlink API.
type ConntrackFlusher struct{}

// NewConntrackFlusher returns a FlowFlusher backed by the kernel conntrack table.
func NewConntrackFlusher() *ConntrackFlusher {
	return &ConntrackFlusher{}
}

// FlushFlows deletes every flow originated by or destined to ip.
func (ConntrackFlusher) FlushFlows(ip string) error {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", ip, err)
	}

	conn, err := conntrack.Dial(nil)
	if err != nil {
		return fmt.Errorf("conntrack dial failed: %w", err)
	}
	defer conn.Close()

	flows, err := conn.Dump(nil)
	if err != nil {
		return fmt.Errorf("conntrack dump failed: %w", err)
	}

	for _, f := range matchingFlows(flows, addr) {
		if err := conn.Delete(f); err != nil {
			return fmt.Errorf("conntrack delete failed: %w", err)
		}
	}
	return nil
}

func matchingFlows(flows []conntrack.Flow, addr netip.Addr) []conntrack.Flow {
	var out []conntrack.Flow
	for _, f := range flows {
		if f.TupleOrig.IP.SourceAddress == addr || f.TupleOrig.IP.DestinationAddress == addr {
			out = append(out, f)
		}
	}
	return out
}
