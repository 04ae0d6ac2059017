package monitor

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/tollgate/internal/logging"
	"grimm.is/tollgate/internal/metrics"
)

type fakeGateway struct {
	mu          sync.Mutex
	allowList   []net.IP
	sets        int
	clears      int
	unreachable int
	reachable   int
	markErr     error
}

func (g *fakeGateway) SetAuthServerPassthrough(ips []net.IP) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.allowList = ips
	g.sets++
	return nil
}

func (g *fakeGateway) ClearAuthServerPassthrough() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.allowList = nil
	g.clears++
	return nil
}

func (g *fakeGateway) MarkAuthServerUnreachable() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.markErr != nil {
		return g.markErr
	}
	g.unreachable++
	return nil
}

func (g *fakeGateway) MarkAuthServerReachable() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reachable++
	return nil
}

type fakePinger struct{ err error }

func (p *fakePinger) Ping(ctx context.Context) error { return p.err }

type fakeResolver struct{ ips []net.IP }

func (r *fakeResolver) ResolveAll(ctx context.Context, hosts []string) []net.IP { return r.ips }

func newService(gw *fakeGateway, pinger *fakePinger, res *fakeResolver, failOpen bool) (*Service, *metrics.Registry) {
	reg := metrics.New(prometheus.NewRegistry())
	return New(Options{
		Gateway:   gw,
		Auth:      pinger,
		Resolver:  res,
		AuthHosts: []string{"auth.example.com"},
		FailOpen:  failOpen,
		Metrics:   reg,
		Logger:    logging.Discard(),
	}), reg
}

func TestCheckAuthServers_AllowList(t *testing.T) {
	gw := &fakeGateway{}
	res := &fakeResolver{ips: []net.IP{net.ParseIP("192.0.2.2"), net.ParseIP("192.0.2.1")}}
	svc, _ := newService(gw, &fakePinger{}, res, false)

	require.NoError(t, svc.CheckAuthServers(context.Background()))
	require.NoError(t, svc.CheckAuthServers(context.Background()))
	assert.Equal(t, 1, gw.sets, "unchanged address set must not be re-programmed")

	res.ips = []net.IP{net.ParseIP("192.0.2.3")}
	require.NoError(t, svc.CheckAuthServers(context.Background()))
	assert.Equal(t, 2, gw.sets)

	res.ips = nil
	require.NoError(t, svc.CheckAuthServers(context.Background()))
	assert.Equal(t, 1, gw.clears)
	assert.Nil(t, gw.allowList)
}

func TestCheckAuthServers_FailOpen(t *testing.T) {
	gw := &fakeGateway{}
	pinger := &fakePinger{err: errors.New("connection refused")}
	svc, reg := newService(gw, pinger, &fakeResolver{}, true)

	require.NoError(t, svc.CheckAuthServers(context.Background()))
	require.NoError(t, svc.CheckAuthServers(context.Background()))
	assert.Equal(t, 1, gw.unreachable)
	assert.Zero(t, testutil.ToFloat64(reg.AuthReachable))

	reachable, known := svc.AuthReachable()
	assert.True(t, known)
	assert.False(t, reachable)

	pinger.err = nil
	require.NoError(t, svc.CheckAuthServers(context.Background()))
	assert.Equal(t, 1, gw.reachable)
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.AuthReachable))
}

func TestCheckAuthServers_NoFailOpen(t *testing.T) {
	gw := &fakeGateway{}
	svc, _ := newService(gw, &fakePinger{err: errors.New("timeout")}, &fakeResolver{}, false)

	require.NoError(t, svc.CheckAuthServers(context.Background()))
	assert.Zero(t, gw.unreachable)
	assert.Zero(t, gw.reachable)
}

func TestCheckAuthServers_ToggleFailureRetries(t *testing.T) {
	gw := &fakeGateway{markErr: errors.New("netlink busy")}
	svc, _ := newService(gw, &fakePinger{err: errors.New("timeout")}, &fakeResolver{}, true)

	assert.ErrorIs(t, svc.CheckAuthServers(context.Background()), gw.markErr)
	_, known := svc.AuthReachable()
	assert.False(t, known)

	gw.markErr = nil
	require.NoError(t, svc.CheckAuthServers(context.Background()))
	assert.Equal(t, 1, gw.unreachable)
}

func TestCheckAuthServers_NoGateway(t *testing.T) {
	svc := New(Options{Metrics: metrics.New(prometheus.NewRegistry()), Logger: logging.Discard()})
	assert.Error(t, svc.CheckAuthServers(context.Background()))
}

func TestCheckOnline(t *testing.T) {
	originalPing := CheckPingFunc
	defer func() { CheckPingFunc = originalPing }()

	up := map[string]bool{}
	var pinged []string
	CheckPingFunc = func(ctx context.Context, ip string) error {
		pinged = append(pinged, ip)
		if up[ip] {
			return nil
		}
		return errors.New("timeout")
	}

	reg := metrics.New(prometheus.NewRegistry())
	svc := New(Options{
		OnlineTargets: []string{"9.9.9.9", "1.1.1.1"},
		Metrics:       reg,
		Logger:        logging.Discard(),
	})

	require.NoError(t, svc.CheckOnline(context.Background()))
	online, known := svc.Online()
	assert.True(t, known)
	assert.False(t, online)
	assert.Equal(t, []string{"9.9.9.9", "1.1.1.1"}, pinged)

	up["9.9.9.9"] = true
	pinged = nil
	require.NoError(t, svc.CheckOnline(context.Background()))
	online, _ = svc.Online()
	assert.True(t, online)
	assert.Equal(t, []string{"9.9.9.9"}, pinged, "stops at the first answering target")
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.Online))
}

func TestCheckOnline_NoTargets(t *testing.T) {
	svc := New(Options{Metrics: metrics.New(prometheus.NewRegistry()), Logger: logging.Discard()})
	require.NoError(t, svc.CheckOnline(context.Background()))
	_, known := svc.Online()
	assert.False(t, known)
}

func TestCheckPingReal(t *testing.T) {
	// Unprivileged ICMP may be unavailable; only exercise the call path.
	err := CheckPingFunc(context.Background(), "127.0.0.1")
	if err != nil {
		t.Logf("Real ping failed (expected in unprivileged test): %v", err)
	}
}
