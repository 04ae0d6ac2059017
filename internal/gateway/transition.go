package gateway

import (
	"context"
	"fmt"

	"grimm.is/tollgate/internal/authserver"
	"grimm.is/tollgate/internal/firewall"
	"grimm.is/tollgate/internal/metrics"
	"grimm.is/tollgate/internal/roster"
)

const (
	reasonTimeout          = metrics.ReasonTimeout
	reasonDenied           = metrics.ReasonDenied
	reasonValidationFailed = metrics.ReasonValidationFailed
	reasonManual           = metrics.ReasonManual
)

// logoutNotice carries a removed client to the notification step, which
// runs after the roster lock is released.
type logoutNotice struct {
	client roster.Client
	reason string
}

// applyLocked moves the client behind h according to the auth server's
// verdict. The roster lock must be held. A non-nil notice means the client
// was logged out.
func (g *Gateway) applyLocked(tx *roster.Txn, h roster.Handle, c *roster.Client, resp authserver.Response) *logoutNotice {
	switch resp.Code {
	case authserver.Allowed:
		if c.State == roster.StateKnown {
			return nil
		}
		// State and counters change only once the firewall holds the new
		// rules; on failure the next pass retries.
		if err := g.fw.Allow(c.IP, c.MAC, firewall.MarkKnown); err != nil {
			g.logger.Error("Failed to allow client", "ip", c.IP, "mac", c.MAC, "error", err)
			return nil
		}
		prev := c.State
		if prev != roster.StateProbation {
			c.Counters.Reset()
		}
		c.State = roster.StateKnown
		// Kernel counters restart with the new rules.
		c.Counters.Rebase()
		g.logger.Info("Client allowed", "ip", c.IP, "mac", c.MAC, "from", prev.String())

	case authserver.Validation:
		g.logger.Debug("Client still in validation", "ip", c.IP, "mac", c.MAC)

	case authserver.Denied:
		g.logger.Info("Client denied by auth server", "ip", c.IP, "mac", c.MAC)
		return g.logoutLocked(tx, h, reasonDenied)

	case authserver.ValidationFailed:
		g.logger.Info("Client validation period expired", "ip", c.IP, "mac", c.MAC)
		return g.logoutLocked(tx, h, reasonValidationFailed)

	default:
		g.logger.Warn("Auth server gave no verdict, leaving client unchanged",
			"ip", c.IP, "mac", c.MAC, "code", resp.Code.String(), "message", resp.Message)
	}
	return nil
}

// logoutLocked denies the client behind h and removes it from the roster.
// The roster lock must be held. The returned notice is nil if h was stale.
func (g *Gateway) logoutLocked(tx *roster.Txn, h roster.Handle, reason string) *logoutNotice {
	c, ok := tx.Client(h)
	if !ok {
		return nil
	}
	if err := g.fw.Deny(c.IP, c.MAC, markFor(c.State)); err != nil {
		g.logger.Error("Failed to deny client", "ip", c.IP, "mac", c.MAC, "error", err)
	}
	removed, _ := tx.Remove(h)
	g.metrics.RecordLogout(reason)
	g.logger.Info("Client logged out",
		"ip", removed.IP, "mac", removed.MAC, "reason", reason,
		"incoming", removed.Counters.Incoming, "outgoing", removed.Counters.Outgoing)
	return &logoutNotice{client: removed, reason: reason}
}

// notify tells the auth server about a logout. The roster lock must not be
// held. Failures are logged and not retried.
func (g *Gateway) notify(ctx context.Context, n *logoutNotice) {
	if !g.remote() {
		return
	}
	c := n.client
	resp, err := g.auth.Request(ctx, authserver.Logout,
		c.IP, c.MAC, c.Token, c.Counters.Incoming, c.Counters.Outgoing)
	if err != nil {
		g.logger.Warn("Logout notification failed", "ip", c.IP, "mac", c.MAC, "error", err)
		resp.Code = authserver.Error
	} else if resp.Code == authserver.Error {
		g.logger.Warn("Auth server rejected logout notification", "ip", c.IP, "mac", c.MAC, "message", resp.Message)
	}
	g.metrics.RecordAuthResponse(authserver.Logout.Stage(), resp.Code.String())
}

// Logout removes the client with the given MAC and notifies the auth server.
func (g *Gateway) Logout(ctx context.Context, mac string) error {
	var notice *logoutNotice
	g.roster.Update(func(tx *roster.Txn) {
		_, h, ok := tx.Lookup(mac)
		if !ok {
			return
		}
		notice = g.logoutLocked(tx, h, reasonManual)
	})
	if notice == nil {
		return fmt.Errorf("logout %s: %w", mac, roster.ErrNotFound)
	}
	g.notify(ctx, notice)
	return nil
}

// Login admits the client at ip. The MAC is taken from the neighbor table;
// in remote mode the auth server decides whether token grants access.
// Logging in again with a MAC already in the roster replaces its entry.
func (g *Gateway) Login(ctx context.Context, ip, token string) (roster.Client, error) {
	if g.neighbors == nil {
		return roster.Client{}, fmt.Errorf("login %s: no neighbor resolver", ip)
	}
	mac, err := g.neighbors.ResolveMAC(ip)
	if err != nil {
		g.metrics.RecordLogin("error")
		return roster.Client{}, fmt.Errorf("failed to resolve MAC for %s: %w", ip, err)
	}
	mac = roster.NormalizeMAC(mac)

	code := authserver.Allowed
	if g.remote() {
		resp, err := g.auth.Request(ctx, authserver.Login, ip, mac, token, 0, 0)
		if err != nil {
			g.logger.Warn("Login request failed", "ip", ip, "mac", mac, "error", err)
			resp.Code = authserver.Error
		}
		g.metrics.RecordAuthResponse(authserver.Login.Stage(), resp.Code.String())
		code = resp.Code
	}

	var state roster.State
	switch code {
	case authserver.Allowed:
		state = roster.StateKnown
	case authserver.Validation:
		state = roster.StateValidation
	case authserver.Denied, authserver.ValidationFailed:
		g.metrics.RecordLogin("denied")
		g.logger.Info("Login denied", "ip", ip, "mac", mac, "code", code.String())
		return roster.Client{}, fmt.Errorf("login %s: %w", ip, ErrDenied)
	default:
		g.metrics.RecordLogin("error")
		return roster.Client{}, fmt.Errorf("login %s: %w", ip, ErrAuthUnavailable)
	}

	now := g.clock.Now()
	client := roster.Client{
		IP:         ip,
		MAC:        mac,
		Token:      token,
		State:      state,
		Counters:   roster.Counters{LastUpdated: now},
		LoggedInAt: now,
	}

	var allowErr error
	g.roster.Update(func(tx *roster.Txn) {
		// A new session starts from fresh kernel counters.
		if prev, h, ok := tx.Lookup(mac); ok {
			if allowErr = g.fw.Deny(prev.IP, prev.MAC, markFor(prev.State)); allowErr != nil {
				return
			}
			tx.Remove(h)
		}
		if allowErr = g.fw.Allow(ip, mac, markFor(state)); allowErr != nil {
			return
		}
		tx.Insert(client)
	})
	if allowErr != nil {
		g.metrics.RecordLogin("error")
		return roster.Client{}, fmt.Errorf("failed to allow %s: %w", ip, allowErr)
	}

	g.metrics.RecordLogin(state.String())
	g.logger.Info("Client logged in", "ip", ip, "mac", mac, "state", state.String())
	return client, nil
}
