package gateway

import (
	"context"
	"fmt"

	"grimm.is/tollgate/internal/authserver"
	"grimm.is/tollgate/internal/roster"
)

// RunPass performs one reconciliation of counters, roster and auth server.
//
// It returns an error only when the counters could not be refreshed, in which
// case no client is touched. Failures for a single client are logged and the
// pass moves on to the next one.
func (g *Gateway) RunPass(ctx context.Context) error {
	start := g.clock.Now()

	readings, err := g.fw.RefreshCounters(ctx)
	if err != nil {
		err = fmt.Errorf("failed to refresh counters: %w", err)
		g.logger.Error("Synchronization pass aborted", "error", err)
		g.metrics.RecordPass(g.clock.Since(start), err)
		return err
	}

	now := g.clock.Now()
	g.roster.Update(func(tx *roster.Txn) {
		for _, r := range readings {
			c, _, ok := tx.Lookup(r.MAC)
			if !ok {
				continue
			}
			c.Counters.Observe(r.Incoming, r.Outgoing, now)
		}
	})

	remote := g.remote()
	handles := g.roster.Snapshot()
	for _, h := range handles {
		g.syncClient(ctx, h, remote)
	}

	g.updateGauges()
	g.metrics.RecordPass(g.clock.Since(start), nil)
	g.logger.Debug("Synchronization pass complete", "clients", len(handles), "remote", remote)
	return nil
}

// syncClient runs the per-client steps of a pass. A panic is confined to the
// client that caused it.
func (g *Gateway) syncClient(ctx context.Context, h roster.Handle, remote bool) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("Client synchronization panicked", "mac", h.MAC, "panic", r)
		}
	}()

	c, ok := g.roster.Get(h)
	if !ok {
		g.logger.Debug("Client removed before synchronization", "mac", h.MAC)
		return
	}

	g.prober.Probe(c.IP)

	var resp authserver.Response
	if remote {
		resp = g.requestCounters(ctx, c)
	}

	var notice *logoutNotice
	g.roster.Update(func(tx *roster.Txn) {
		cur, ok := tx.Client(h)
		if !ok {
			g.logger.Debug("Client removed during synchronization", "mac", h.MAC)
			return
		}
		if cur.IdleSince(g.clock.Now(), g.idle) {
			g.logger.Info("Client timed out",
				"ip", cur.IP, "mac", cur.MAC,
				"last_updated", cur.Counters.LastUpdated)
			notice = g.logoutLocked(tx, h, reasonTimeout)
			return
		}
		if remote {
			notice = g.applyLocked(tx, h, cur, resp)
		}
	})

	if notice != nil {
		g.notify(ctx, notice)
	}
}

func (g *Gateway) requestCounters(ctx context.Context, c roster.Client) authserver.Response {
	resp, err := g.auth.Request(ctx, authserver.Counters,
		c.IP, c.MAC, c.Token, c.Counters.Incoming, c.Counters.Outgoing)
	if err != nil {
		g.logger.Warn("Counters request failed", "ip", c.IP, "mac", c.MAC, "error", err)
		resp = authserver.Response{Code: authserver.Error, Message: err.Error()}
	}
	g.metrics.RecordAuthResponse(authserver.Counters.Stage(), resp.Code.String())
	return resp
}

func (g *Gateway) updateGauges() {
	counts := make(map[string]int)
	for _, c := range g.roster.List() {
		counts[c.State.String()]++
	}
	g.metrics.SetClients(counts, gaugeStates)
}

var gaugeStates = []string{
	roster.StateUnknown.String(),
	roster.StateValidation.String(),
	roster.StateValidationFailed.String(),
	roster.StateProbation.String(),
	roster.StateKnown.String(),
	roster.StateDenied.String(),
}
