package firewall

import (
	"context"
	"errors"
	"net"
)

// ErrNotSupported is returned on platforms without nftables.
var ErrNotSupported = errors.New("firewall: not supported on this platform")

// Mark is the packet mark written for a client's outgoing traffic. The
// forward chain turns it into a verdict.
type Mark uint32

const (
	MarkNone       Mark = 0
	MarkProbation  Mark = 1
	MarkKnown      Mark = 2
	MarkValidation Mark = 3
)

func (m Mark) String() string {
	switch m {
	case MarkNone:
		return "none"
	case MarkProbation:
		return "probation"
	case MarkKnown:
		return "known"
	case MarkValidation:
		return "validation"
	}
	return "unknown"
}

// CounterReading is the byte count the kernel holds for one client since
// its rules were last programmed.
type CounterReading struct {
	MAC      string
	IP       string
	Incoming uint64
	Outgoing uint64
}

// AccessPort is the gateway's view of the packet filter. Implementations
// must be safe for concurrent use; Allow and Deny must be idempotent.
type AccessPort interface {
	// Init programs the baseline ruleset, discarding any previous one.
	Init() error
	// Destroy removes everything Init and later calls created.
	Destroy() error
	Allow(ip, mac string, mark Mark) error
	Deny(ip, mac string, mark Mark) error
	RefreshCounters(ctx context.Context) ([]CounterReading, error)
	SetAuthServers(ips []net.IP) error
	ClearAuthServers() error
	// MarkUnreachable lets every client through until MarkReachable.
	MarkUnreachable() error
	MarkReachable() error
}

// Options configures an NFTBackend.
type Options struct {
	// Table is the nftables table owned by the backend.
	Table string
	// Interface restricts rules to traffic entering from the captive side.
	// Empty matches all interfaces.
	Interface string
	// ValidationKbps caps clients in the validation window. Zero means
	// unlimited.
	ValidationKbps int
	// FlushConntrack removes tracked flows of a client on Deny so already
	// established connections stop immediately.
	FlushConntrack bool
}

// FlowFlusher removes tracked connections of a client so a deny takes
// effect on flows that are already established.
type FlowFlusher interface {
	FlushFlows(ip string) error
}
