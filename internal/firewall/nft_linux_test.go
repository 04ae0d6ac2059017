//go:build linux

package firewall

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/google/nftables"
	"github.com/google/nftables/expr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/tollgate/internal/logging"
)

func newTestBackend(t *testing.T, opts Options, flows FlowFlusher) (*NFTBackend, *MockNFTablesConn) {
	t.Helper()
	conn := NewMockNFTablesConn()
	b := NewNFTBackend(conn, flows, opts, logging.Discard())
	require.NoError(t, b.Init())
	return b, conn
}

func setCounter(t *testing.T, conn *MockNFTablesConn, chain, mac string, bytes uint64) {
	t.Helper()
	for _, r := range conn.Rules("tollgate", chain) {
		tag, ok := parseRuleTag(r.UserData)
		if !ok || tag.mac != mac {
			continue
		}
		for _, e := range r.Exprs {
			if c, ok := e.(*expr.Counter); ok {
				c.Bytes = bytes
				return
			}
		}
	}
	t.Fatalf("no %s counter rule for %s", chain, mac)
}

func TestNFTBackend_Init(t *testing.T) {
	b, conn := newTestBackend(t, Options{Interface: "br-lan", ValidationKbps: 256}, nil)

	assert.True(t, conn.HasTable("tollgate"))
	assert.Equal(t, 4, conn.GetChainCount())
	assert.Empty(t, conn.Rules("tollgate", chainOutgoing))
	assert.Empty(t, conn.Rules("tollgate", chainAuthDown))

	forward := conn.Rules("tollgate", chainForward)
	require.Len(t, forward, 6)

	var limit *expr.Limit
	for _, e := range forward[3].Exprs {
		if l, ok := e.(*expr.Limit); ok {
			limit = l
		}
	}
	require.NotNil(t, limit, "validation rule should be rate limited")
	assert.Equal(t, uint64(256*1000/8), limit.Rate)

	last := forward[len(forward)-1].Exprs
	assert.Equal(t, &expr.Verdict{Kind: expr.VerdictDrop}, last[len(last)-1])

	// Re-init starts from an empty table.
	require.NoError(t, b.Allow("10.0.0.5", "aa:bb:cc:dd:ee:01", MarkKnown))
	require.NoError(t, b.Init())
	assert.Empty(t, conn.Rules("tollgate", chainOutgoing))
}

func TestNFTBackend_AllowIdempotent(t *testing.T) {
	b, conn := newTestBackend(t, Options{}, nil)

	require.NoError(t, b.Allow("10.0.0.5", "AA:BB:CC:DD:EE:01", MarkKnown))
	flushes := conn.Flushes
	require.NoError(t, b.Allow("10.0.0.5", "aa:bb:cc:dd:ee:01", MarkKnown))

	assert.Equal(t, flushes, conn.Flushes, "second allow must not touch the kernel")
	assert.Len(t, conn.Rules("tollgate", chainOutgoing), 1)
	assert.Len(t, conn.Rules("tollgate", chainIncoming), 1)
}

func TestNFTBackend_AllowMarkChangeReplacesRules(t *testing.T) {
	b, conn := newTestBackend(t, Options{}, nil)
	mac := "aa:bb:cc:dd:ee:01"

	require.NoError(t, b.Allow("10.0.0.5", mac, MarkValidation))
	setCounter(t, conn, chainOutgoing, mac, 900)

	require.NoError(t, b.Allow("10.0.0.5", mac, MarkKnown))

	out := conn.Rules("tollgate", chainOutgoing)
	require.Len(t, out, 1)
	tag, ok := parseRuleTag(out[0].UserData)
	require.True(t, ok)
	assert.Equal(t, MarkKnown, tag.mark)
	assert.Equal(t, uint64(0), counterBytes(out[0]), "new rules start with fresh counters")
}

func TestNFTBackend_DenyIdempotent(t *testing.T) {
	flows := &MockFlowFlusher{}
	flows.On("FlushFlows", "10.0.0.5").Return(nil).Twice()

	b, conn := newTestBackend(t, Options{FlushConntrack: true}, flows)
	require.NoError(t, b.Allow("10.0.0.5", "aa:bb:cc:dd:ee:01", MarkKnown))

	require.NoError(t, b.Deny("10.0.0.5", "aa:bb:cc:dd:ee:01", MarkKnown))
	assert.Empty(t, conn.Rules("tollgate", chainOutgoing))
	assert.Empty(t, conn.Rules("tollgate", chainIncoming))

	require.NoError(t, b.Deny("10.0.0.5", "aa:bb:cc:dd:ee:01", MarkKnown))
	flows.AssertExpectations(t)
}

func TestNFTBackend_DenyFlowFlushErrorIsNotFatal(t *testing.T) {
	flows := &MockFlowFlusher{}
	flows.On("FlushFlows", "10.0.0.5").Return(errors.New("netlink: permission denied"))

	b, _ := newTestBackend(t, Options{}, flows)
	require.NoError(t, b.Allow("10.0.0.5", "aa:bb:cc:dd:ee:01", MarkKnown))
	assert.NoError(t, b.Deny("10.0.0.5", "aa:bb:cc:dd:ee:01", MarkKnown))
}

func TestNFTBackend_DenyLeavesOtherClients(t *testing.T) {
	b, conn := newTestBackend(t, Options{}, nil)
	require.NoError(t, b.Allow("10.0.0.5", "aa:bb:cc:dd:ee:01", MarkKnown))
	require.NoError(t, b.Allow("10.0.0.6", "aa:bb:cc:dd:ee:02", MarkProbation))

	require.NoError(t, b.Deny("10.0.0.5", "aa:bb:cc:dd:ee:01", MarkKnown))

	out := conn.Rules("tollgate", chainOutgoing)
	require.Len(t, out, 1)
	tag, _ := parseRuleTag(out[0].UserData)
	assert.Equal(t, "aa:bb:cc:dd:ee:02", tag.mac)
}

func TestNFTBackend_InvalidClient(t *testing.T) {
	b, _ := newTestBackend(t, Options{}, nil)
	assert.Error(t, b.Allow("not-an-ip", "aa:bb:cc:dd:ee:01", MarkKnown))
	assert.Error(t, b.Allow("10.0.0.5", "zz", MarkKnown))
	assert.Error(t, b.Allow("fe80::1", "aa:bb:cc:dd:ee:01", MarkKnown))
}

func TestNFTBackend_RefreshCounters(t *testing.T) {
	b, conn := newTestBackend(t, Options{}, nil)
	require.NoError(t, b.Allow("10.0.0.5", "aa:bb:cc:dd:ee:01", MarkKnown))
	require.NoError(t, b.Allow("10.0.0.6", "aa:bb:cc:dd:ee:02", MarkKnown))

	setCounter(t, conn, chainOutgoing, "aa:bb:cc:dd:ee:01", 1200)
	setCounter(t, conn, chainIncoming, "aa:bb:cc:dd:ee:01", 5000)
	setCounter(t, conn, chainIncoming, "aa:bb:cc:dd:ee:02", 42)

	readings, err := b.RefreshCounters(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []CounterReading{
		{MAC: "aa:bb:cc:dd:ee:01", IP: "10.0.0.5", Incoming: 5000, Outgoing: 1200},
		{MAC: "aa:bb:cc:dd:ee:02", IP: "10.0.0.6", Incoming: 42},
	}, readings)
}

func TestNFTBackend_RefreshCountersCanceled(t *testing.T) {
	b, _ := newTestBackend(t, Options{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := b.RefreshCounters(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNFTBackend_FlushError(t *testing.T) {
	b, conn := newTestBackend(t, Options{}, nil)
	conn.FlushErr = errors.New("netlink: busy")

	err := b.Allow("10.0.0.5", "aa:bb:cc:dd:ee:01", MarkKnown)
	require.Error(t, err)
	assert.ErrorIs(t, err, conn.FlushErr)

	conn.FlushErr = nil
	// The failed allow was not recorded, so a retry programs again.
	flushes := conn.Flushes
	require.NoError(t, b.Allow("10.0.0.5", "aa:bb:cc:dd:ee:01", MarkKnown))
	assert.Greater(t, conn.Flushes, flushes)
}

func TestNFTBackend_AuthServers(t *testing.T) {
	b, conn := newTestBackend(t, Options{}, nil)

	require.NoError(t, b.SetAuthServers([]net.IP{
		net.ParseIP("203.0.113.10"),
		net.ParseIP("2001:db8::1"),
		net.ParseIP("203.0.113.11"),
	}))
	elems := conn.SetElements(setAuthServer)
	require.Len(t, elems, 2)
	assert.Equal(t, []nftables.SetElement{
		{Key: net.ParseIP("203.0.113.10").To4()},
		{Key: net.ParseIP("203.0.113.11").To4()},
	}, elems)

	require.NoError(t, b.SetAuthServers([]net.IP{net.ParseIP("203.0.113.12")}))
	assert.Len(t, conn.SetElements(setAuthServer), 1, "set is replaced, not appended")

	require.NoError(t, b.ClearAuthServers())
	assert.Empty(t, conn.SetElements(setAuthServer))
}

func TestNFTBackend_Reachability(t *testing.T) {
	b, conn := newTestBackend(t, Options{}, nil)

	require.NoError(t, b.MarkUnreachable())
	require.NoError(t, b.MarkUnreachable())
	assert.Len(t, conn.Rules("tollgate", chainAuthDown), 1)

	require.NoError(t, b.MarkReachable())
	assert.Empty(t, conn.Rules("tollgate", chainAuthDown))
	require.NoError(t, b.MarkReachable())
}

func TestNFTBackend_Destroy(t *testing.T) {
	b, conn := newTestBackend(t, Options{Table: "captive"}, nil)
	assert.True(t, conn.HasTable("captive"))

	require.NoError(t, b.Destroy())
	assert.False(t, conn.HasTable("captive"))
	assert.Equal(t, 0, conn.GetChainCount())
}

func TestRuleTag(t *testing.T) {
	tag, ok := parseRuleTag(ruleTag(dirOut, "aa:bb:cc:dd:ee:01", "10.0.0.5", MarkValidation))
	require.True(t, ok)
	assert.Equal(t, ruleTagFields{dir: dirOut, mac: "aa:bb:cc:dd:ee:01", ip: "10.0.0.5", mark: MarkValidation}, tag)

	_, ok = parseRuleTag([]byte("iface:eth0:true"))
	assert.False(t, ok)
	_, ok = parseRuleTag(nil)
	assert.False(t, ok)
}

func TestMark_String(t *testing.T) {
	assert.Equal(t, "known", MarkKnown.String())
	assert.Equal(t, "validation", MarkValidation.String())
	assert.Equal(t, "unknown", Mark(77).String())
}
