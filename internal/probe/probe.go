// Package probe sends fire-and-forget ICMP echo requests to clients. The
// replies are never read: the request only exists to make the client's
// network stack emit traffic, which refreshes the neighbor table and the
// client's byte counters.
package probe

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"

	"grimm.is/tollgate/internal/logging"
)

// ErrNotOpen is returned by Send before Open or after Close.
var ErrNotOpen = errors.New("probe socket not open")

const writeTimeout = 100 * time.Millisecond

// Prober sends a liveness probe to ip. It never blocks on a reply.
type Prober interface {
	Probe(ip string)
}

// Socket is a Prober owning a socket that must be opened before use.
type Socket interface {
	Prober
	Open(ctx context.Context) error
	Close() error
}

// ICMPProber sends echo requests over a raw ICMP socket.
type ICMPProber struct {
	mu     sync.Mutex
	conn   net.PacketConn
	listen func(ctx context.Context) (net.PacketConn, error)
	id     int
	seq    atomic.Uint32
	logger *logging.Logger
}

var _ Socket = (*ICMPProber)(nil)

// NewICMPProber creates a prober. Call Open before Probe.
func NewICMPProber(logger *logging.Logger) *ICMPProber {
	return &ICMPProber{
		listen: listenRaw,
		id:     rand.IntN(1 << 16),
		logger: logging.OrDefault(logger).WithComponent("probe"),
	}
}

// listenRaw opens a raw ICMP socket with a one-byte receive buffer, so
// replies are dropped by the kernel, and with routing enabled.
func listenRaw(ctx context.Context) (net.PacketConn, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var opErr error
			err := c.Control(func(fd uintptr) {
				opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, 1)
				if opErr != nil {
					return
				}
				opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_DONTROUTE, 0)
			})
			if err != nil {
				return err
			}
			return opErr
		},
	}
	return lc.ListenPacket(ctx, "ip4:icmp", "0.0.0.0")
}

// Open creates the socket. Opening an open prober is a no-op.
func (p *ICMPProber) Open(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn != nil {
		return nil
	}
	conn, err := p.listen(ctx)
	if err != nil {
		return fmt.Errorf("failed to open ICMP socket: %w", err)
	}
	p.conn = conn
	return nil
}

// Close releases the socket. It is safe to call more than once.
func (p *ICMPProber) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn = nil
	return err
}

// Send writes one echo request to ip.
func (p *ICMPProber) Send(ip string) error {
	addr := net.ParseIP(ip).To4()
	if addr == nil {
		return fmt.Errorf("invalid IPv4 address %q", ip)
	}

	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Body: &icmp.Echo{
			ID:  p.id,
			Seq: int(p.seq.Add(1) & 0xffff),
		},
	}
	b, err := msg.Marshal(nil)
	if err != nil {
		return fmt.Errorf("failed to encode echo request: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn == nil {
		return ErrNotOpen
	}
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := p.conn.WriteTo(b, &net.IPAddr{IP: addr}); err != nil {
		return fmt.Errorf("failed to send echo request to %s: %w", ip, err)
	}
	return nil
}

// Probe sends an echo request to ip and logs failures.
func (p *ICMPProber) Probe(ip string) {
	if err := p.Send(ip); err != nil {
		p.logger.Debug("probe failed", "ip", ip, "error", err)
	}
}
