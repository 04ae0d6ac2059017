//go:build !linux

package firewall

import (
	"context"
	"net"

	"grimm.is/tollgate/internal/logging"
)

// NFTBackend is unavailable outside Linux; every method fails with
// ErrNotSupported.
type NFTBackend struct{}

var _ AccessPort = (*NFTBackend)(nil)

// Open always fails with ErrNotSupported.
func Open(opts Options, logger *logging.Logger) (*NFTBackend, error) {
	return nil, ErrNotSupported
}

func (*NFTBackend) Init() error { return ErrNotSupported }
func (*NFTBackend) Destroy() error { return ErrNotSupported }
func (*NFTBackend) Allow(ip, mac string, m Mark) error { return ErrNotSupported }
func (*NFTBackend) Deny(ip, mac string, m Mark) error { return ErrNotSupported }
func (*NFTBackend) RefreshCounters(ctx context.Context) ([]CounterReading, error) {
	return nil, ErrNotSupported
}
func (*NFTBackend) SetAuthServers(ips []net.IP) error { return ErrNotSupported }
func (*NFTBackend) ClearAuthServers() error { return ErrNotSupported }
func (*NFTBackend) MarkUnreachable() error { return ErrNotSupported }
func (*NFTBackend) MarkReachable() error { return ErrNotSupported }
