package gateway

import (
	"context"
	"net"
	"sync"

	"grimm.is/tollgate/internal/authserver"
	"grimm.is/tollgate/internal/firewall"
	"grimm.is/tollgate/internal/neighbor"
	"grimm.is/tollgate/internal/roster"
)

type fakeFirewall struct {
	mu          sync.Mutex
	rules       map[string]firewall.Mark
	allows      int
	denies      []string
	readings    []firewall.CounterReading
	refreshErr  error
	initErr     error
	allowErr    error
	denyErr     error
	inits       int
	destroys    int
	authServers []net.IP
	unreachable bool
}

func newFakeFirewall() *fakeFirewall {
	return &fakeFirewall{rules: make(map[string]firewall.Mark)}
}

func (f *fakeFirewall) Init() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inits++
	return f.initErr
}

func (f *fakeFirewall) Destroy() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroys++
	f.rules = make(map[string]firewall.Mark)
	return nil
}

func (f *fakeFirewall) Allow(ip, mac string, mark firewall.Mark) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.allowErr != nil {
		return f.allowErr
	}
	f.allows++
	f.rules[roster.NormalizeMAC(mac)] = mark
	return nil
}

func (f *fakeFirewall) Deny(ip, mac string, mark firewall.Mark) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.denyErr != nil {
		return f.denyErr
	}
	mac = roster.NormalizeMAC(mac)
	f.denies = append(f.denies, mac)
	delete(f.rules, mac)
	return nil
}

func (f *fakeFirewall) RefreshCounters(ctx context.Context) ([]firewall.CounterReading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	return append([]firewall.CounterReading(nil), f.readings...), nil
}

func (f *fakeFirewall) SetAuthServers(ips []net.IP) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authServers = ips
	return nil
}

func (f *fakeFirewall) ClearAuthServers() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authServers = nil
	return nil
}

func (f *fakeFirewall) MarkUnreachable() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unreachable = true
	return nil
}

func (f *fakeFirewall) MarkReachable() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unreachable = false
	return nil
}

func (f *fakeFirewall) mark(mac string) (firewall.Mark, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.rules[roster.NormalizeMAC(mac)]
	return m, ok
}

func (f *fakeFirewall) allowCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.allows
}

func (f *fakeFirewall) denied() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.denies...)
}

type authCall struct {
	kind     authserver.RequestKind
	mac      string
	token    string
	incoming uint64
	outgoing uint64
}

type fakeAuth struct {
	mu         sync.Mutex
	configured bool
	codes      map[string]authserver.Code
	err        error
	calls      []authCall
	// before runs outside the fake's lock ahead of every request.
	before func(kind authserver.RequestKind, mac string)
}

func newFakeAuth() *fakeAuth {
	return &fakeAuth{configured: true, codes: make(map[string]authserver.Code)}
}

func (a *fakeAuth) Configured() bool { return a.configured }

func (a *fakeAuth) Request(ctx context.Context, kind authserver.RequestKind, ip, mac, token string, incoming, outgoing uint64) (authserver.Response, error) {
	if a.before != nil {
		a.before(kind, mac)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, authCall{kind: kind, mac: mac, token: token, incoming: incoming, outgoing: outgoing})
	if a.err != nil {
		return authserver.Response{Code: authserver.Error}, a.err
	}
	code, ok := a.codes[mac]
	if !ok {
		code = authserver.Allowed
	}
	return authserver.Response{Code: code, Server: "fake"}, nil
}

func (a *fakeAuth) set(mac string, code authserver.Code) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.codes[roster.NormalizeMAC(mac)] = code
}

func (a *fakeAuth) callsOf(kind authserver.RequestKind) []authCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []authCall
	for _, c := range a.calls {
		if c.kind == kind {
			out = append(out, c)
		}
	}
	return out
}

type fakeProber struct {
	mu      sync.Mutex
	openErr error
	open    bool
	closes  int
	probes  []string
	onProbe func(ip string)
}

func (p *fakeProber) Open(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.openErr != nil {
		return p.openErr
	}
	p.open = true
	return nil
}

func (p *fakeProber) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.open = false
	p.closes++
	return nil
}

func (p *fakeProber) Probe(ip string) {
	if p.onProbe != nil {
		p.onProbe(ip)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probes = append(p.probes, ip)
}

func (p *fakeProber) probed() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.probes...)
}

type fakeNeighbors map[string]string

func (n fakeNeighbors) ResolveMAC(ip string) (string, error) {
	mac, ok := n[ip]
	if !ok {
		return "", neighbor.ErrNotFound
	}
	return mac, nil
}
