// Package gateway keeps the roster, the packet filter and the auth server in
// agreement.
//
// The Gateway owns the access state machine. It is driven by RunPass from a
// scheduler goroutine while Login and Logout are called from request
// handlers. The roster lock is never held across a probe or an auth server
// call: every step that resumes after such a call re-validates its handle.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"grimm.is/tollgate/internal/authserver"
	"grimm.is/tollgate/internal/clock"
	"grimm.is/tollgate/internal/firewall"
	"grimm.is/tollgate/internal/logging"
	"grimm.is/tollgate/internal/metrics"
	"grimm.is/tollgate/internal/neighbor"
	"grimm.is/tollgate/internal/probe"
	"grimm.is/tollgate/internal/roster"
)

var (
	// ErrDenied is returned by Login when the auth server refuses the token.
	ErrDenied = errors.New("access denied by auth server")
	// ErrAuthUnavailable is returned by Login when no auth server answered.
	ErrAuthUnavailable = errors.New("auth server unavailable")
)

// Options configures a Gateway.
type Options struct {
	Firewall firewall.AccessPort
	// Auth is the remote auth server. Nil, or a Requester with no server
	// configured, runs the gateway in local-only mode.
	Auth      authserver.Requester
	Prober    probe.Socket
	Neighbors neighbor.Resolver
	// Roster defaults to an empty roster.
	Roster  *roster.Roster
	Clock   clock.Clock
	Metrics *metrics.Registry
	Logger  *logging.Logger

	CheckInterval time.Duration
	// ClientTimeout is the number of check intervals a client may stay idle.
	ClientTimeout int
}

// Gateway runs the access state machine.
type Gateway struct {
	fw        firewall.AccessPort
	auth      authserver.Requester
	prober    probe.Socket
	neighbors neighbor.Resolver
	roster    *roster.Roster
	clock     clock.Clock
	metrics   *metrics.Registry
	logger    *logging.Logger
	idle      time.Duration

	mu        sync.Mutex
	probeOpen bool
	inherited bool
}

// New validates opts and returns a Gateway. Nothing is programmed until
// Initialize.
func New(opts Options) (*Gateway, error) {
	if opts.Firewall == nil {
		return nil, errors.New("gateway: firewall is required")
	}
	if opts.Prober == nil {
		return nil, errors.New("gateway: prober is required")
	}
	if opts.CheckInterval <= 0 {
		return nil, fmt.Errorf("gateway: invalid check interval %s", opts.CheckInterval)
	}
	if opts.ClientTimeout <= 0 {
		return nil, fmt.Errorf("gateway: invalid client timeout %d", opts.ClientTimeout)
	}

	g := &Gateway{
		fw:        opts.Firewall,
		auth:      opts.Auth,
		prober:    opts.Prober,
		neighbors: opts.Neighbors,
		roster:    opts.Roster,
		clock:     clock.OrReal(opts.Clock),
		metrics:   opts.Metrics,
		logger:    logging.OrDefault(opts.Logger).WithComponent("gateway"),
		idle:      opts.CheckInterval * time.Duration(opts.ClientTimeout),
	}
	if g.roster == nil {
		g.roster = roster.New()
	}
	if g.metrics == nil {
		g.metrics = metrics.Get()
	}
	return g, nil
}

// Roster returns the shared roster.
func (g *Gateway) Roster() *roster.Roster {
	return g.roster
}

// Clients returns copies of all clients in the roster.
func (g *Gateway) Clients() []roster.Client {
	return g.roster.List()
}

// IdleTimeout is how long a client may send nothing before it is logged out.
func (g *Gateway) IdleTimeout() time.Duration {
	return g.idle
}

// remote reports whether an auth server is authoritative. Without one every
// client in the roster is treated as allowed.
func (g *Gateway) remote() bool {
	return g.auth != nil && g.auth.Configured()
}

// Inherit seeds the roster with clients from a previous run. Initialize then
// re-programs their allow rules.
func (g *Gateway) Inherit(clients []roster.Client) {
	if len(clients) == 0 {
		return
	}
	g.roster.Update(func(tx *roster.Txn) {
		for _, c := range clients {
			tx.Insert(c)
		}
	})

	g.mu.Lock()
	g.inherited = true
	g.mu.Unlock()

	g.logger.Info("Inherited clients from previous run", "count", len(clients))
}

// Initialize opens the probe socket, programs the baseline ruleset and
// restores allow rules for inherited clients. Any error is fatal.
func (g *Gateway) Initialize(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.prober.Open(ctx); err != nil {
		return fmt.Errorf("failed to open probe socket: %w", err)
	}
	g.probeOpen = true

	if err := g.fw.Init(); err != nil {
		return fmt.Errorf("failed to program baseline rules: %w", err)
	}

	if !g.inherited {
		return nil
	}

	var restoreErr error
	restored := 0
	g.roster.Update(func(tx *roster.Txn) {
		tx.Each(func(_ roster.Handle, c *roster.Client) bool {
			if !c.State.Allowed() {
				return true
			}
			if err := g.fw.Allow(c.IP, c.MAC, markFor(c.State)); err != nil {
				restoreErr = fmt.Errorf("failed to restore client %s: %w", c.MAC, err)
				return false
			}
			c.Counters.Rebase()
			restored++
			return true
		})
	})
	if restoreErr != nil {
		return restoreErr
	}

	g.logger.Info("Restored inherited clients", "count", restored)
	return nil
}

// Teardown closes the probe socket and removes all rules. It is safe to call
// more than once and after a failed Initialize.
func (g *Gateway) Teardown() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	var errs []error
	if g.probeOpen {
		if err := g.prober.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close probe socket: %w", err))
		}
		g.probeOpen = false
	}
	if err := g.fw.Destroy(); err != nil {
		errs = append(errs, fmt.Errorf("failed to remove rules: %w", err))
	}
	return errors.Join(errs...)
}

// SetAuthServerPassthrough lets traffic to the auth servers through
// regardless of client state, so denied clients can still reach the login
// page.
func (g *Gateway) SetAuthServerPassthrough(ips []net.IP) error {
	if err := g.fw.SetAuthServers(ips); err != nil {
		g.logger.Error("Failed to set auth server passthrough", "error", err)
		return fmt.Errorf("set auth server passthrough: %w", err)
	}
	g.logger.Info("Auth server passthrough updated", "servers", len(ips))
	return nil
}

// ClearAuthServerPassthrough removes the auth server allow-list.
func (g *Gateway) ClearAuthServerPassthrough() error {
	if err := g.fw.ClearAuthServers(); err != nil {
		g.logger.Error("Failed to clear auth server passthrough", "error", err)
		return fmt.Errorf("clear auth server passthrough: %w", err)
	}
	return nil
}

// MarkAuthServerUnreachable lets every client through until
// MarkAuthServerReachable.
func (g *Gateway) MarkAuthServerUnreachable() error {
	if err := g.fw.MarkUnreachable(); err != nil {
		g.logger.Error("Failed to enable fail-open passthrough", "error", err)
		return fmt.Errorf("mark auth server unreachable: %w", err)
	}
	g.logger.Warn("Auth server unreachable, all clients passed through")
	return nil
}

// MarkAuthServerReachable restores per-client enforcement.
func (g *Gateway) MarkAuthServerReachable() error {
	if err := g.fw.MarkReachable(); err != nil {
		g.logger.Error("Failed to disable fail-open passthrough", "error", err)
		return fmt.Errorf("mark auth server reachable: %w", err)
	}
	g.logger.Info("Auth server reachable, enforcement restored")
	return nil
}

func markFor(s roster.State) firewall.Mark {
	switch s {
	case roster.StateKnown:
		return firewall.MarkKnown
	case roster.StateProbation:
		return firewall.MarkProbation
	case roster.StateValidation:
		return firewall.MarkValidation
	}
	return firewall.MarkNone
}
