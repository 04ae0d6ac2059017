//go:build linux

package firewall

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/google/nftables"
	"github.com/google/nftables/binaryutil"
	"github.com/google/nftables/expr"

	"grimm.is/tollgate/internal/logging"
)

const (
	chainOutgoing = "outgoing"
	chainIncoming = "incoming"
	chainForward  = "forward"
	chainAuthDown = "authdown"
	setAuthServer = "authservers"

	dirOut = "out"
	dirIn  = "in"
)

type programmed struct {
	ip   string
	mark Mark
}

// NFTBackend is the nftables AccessPort.
type NFTBackend struct {
	mu     sync.Mutex
	conn   NFTablesConn
	flows  FlowFlusher
	opts   Options
	logger *logging.Logger

	table    *nftables.Table
	outgoing *nftables.Chain
	incoming *nftables.Chain
	forward  *nftables.Chain
	authdown *nftables.Chain
	authSet  *nftables.Set

	clients     map[string]programmed
	unreachable bool
}

var _ AccessPort = (*NFTBackend)(nil)

// Open connects to the kernel and returns a backend ready for Init.
func Open(opts Options, logger *logging.Logger) (*NFTBackend, error) {
	conn, err := nftables.New()
	if err != nil {
		return nil, fmt.Errorf("failed to open nftables connection: %w", err)
	}
	var flows FlowFlusher
	if opts.FlushConntrack {
		flows = NewConntrackFlusher()
	}
	return NewNFTBackend(NewRealNFTablesConn(conn), flows, opts, logger), nil
}

// NewNFTBackend creates a backend on conn. flows may be nil.
func NewNFTBackend(conn NFTablesConn, flows FlowFlusher, opts Options, logger *logging.Logger) *NFTBackend {
	if opts.Table == "" {
		opts.Table = "tollgate"
	}
	b := &NFTBackend{
		conn:    conn,
		flows:   flows,
		opts:    opts,
		logger:  logging.OrDefault(logger).WithComponent("firewall"),
		clients: make(map[string]programmed),
	}
	b.table = &nftables.Table{Name: opts.Table, Family: nftables.TableFamilyIPv4}
	return b
}

// Init replaces the backend's table with a fresh baseline ruleset.
func (b *NFTBackend) Init() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Stale table from a previous run; ENOENT on flush is expected.
	b.conn.DelTable(b.table)
	_ = b.conn.Flush()

	b.conn.AddTable(b.table)

	accept := nftables.ChainPolicyAccept
	b.outgoing = b.conn.AddChain(&nftables.Chain{
		Name:     chainOutgoing,
		Table:    b.table,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  nftables.ChainHookPrerouting,
		Priority: nftables.ChainPriorityMangle,
		Policy:   &accept,
	})
	b.incoming = b.conn.AddChain(&nftables.Chain{
		Name:     chainIncoming,
		Table:    b.table,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  nftables.ChainHookForward,
		Priority: nftables.ChainPriorityMangle,
		Policy:   &accept,
	})
	b.forward = b.conn.AddChain(&nftables.Chain{
		Name:     chainForward,
		Table:    b.table,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  nftables.ChainHookForward,
		Priority: nftables.ChainPriorityFilter,
		Policy:   &accept,
	})
	b.authdown = b.conn.AddChain(&nftables.Chain{
		Name:  chainAuthDown,
		Table: b.table,
	})

	b.authSet = &nftables.Set{
		Table:   b.table,
		Name:    setAuthServer,
		KeyType: nftables.TypeIPAddr,
	}
	if err := b.conn.AddSet(b.authSet, nil); err != nil {
		return fmt.Errorf("failed to add set %s: %w", setAuthServer, err)
	}

	b.addForwardRules()

	if err := b.conn.Flush(); err != nil {
		return fmt.Errorf("failed to program table %s: %w", b.table.Name, err)
	}

	b.clients = make(map[string]programmed)
	b.unreachable = false
	b.logger.Info("baseline ruleset programmed", "table", b.table.Name, "interface", b.opts.Interface)
	return nil
}

func (b *NFTBackend) addForwardRules() {
	add := func(exprs ...expr.Any) {
		b.conn.AddRule(&nftables.Rule{
			Table: b.table,
			Chain: b.forward,
			Exprs: append(b.iifMatch(), exprs...),
		})
	}

	// Auth servers are always reachable so the portal can be loaded.
	add(
		&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseNetworkHeader, Offset: 16, Len: 4},
		&expr.Lookup{SourceRegister: 1, SetName: b.authSet.Name, SetID: b.authSet.ID},
		&expr.Verdict{Kind: expr.VerdictAccept},
	)

	add(append(markMatch(MarkKnown), &expr.Verdict{Kind: expr.VerdictAccept})...)
	add(append(markMatch(MarkProbation), &expr.Verdict{Kind: expr.VerdictAccept})...)

	validation := markMatch(MarkValidation)
	if b.opts.ValidationKbps > 0 {
		rate := uint64(b.opts.ValidationKbps) * 1000 / 8
		validation = append(validation, &expr.Limit{
			Type:  expr.LimitTypePktBytes,
			Rate:  rate,
			Unit:  expr.LimitTimeSecond,
			Burst: uint32(rate),
		})
	}
	add(append(validation, &expr.Verdict{Kind: expr.VerdictAccept})...)

	add(&expr.Verdict{Kind: expr.VerdictJump, Chain: chainAuthDown})
	add(&expr.Counter{}, &expr.Verdict{Kind: expr.VerdictDrop})
}

// Destroy deletes the backend's table.
func (b *NFTBackend) Destroy() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.conn.DelTable(b.table)
	if err := b.conn.Flush(); err != nil {
		return fmt.Errorf("failed to delete table %s: %w", b.table.Name, err)
	}
	b.clients = make(map[string]programmed)
	b.unreachable = false
	return nil
}

// Allow programs ip/mac with mark. Re-allowing with the same ip and mark is
// a no-op; any other change re-creates the rules, which restarts the
// kernel counters for the client.
func (b *NFTBackend) Allow(ip, mac string, mark Mark) error {
	addr, hw, err := parseClient(ip, mac)
	if err != nil {
		return err
	}
	key := hw.String()

	b.mu.Lock()
	defer b.mu.Unlock()

	if p, ok := b.clients[key]; ok {
		if p.ip == ip && p.mark == mark {
			return nil
		}
		if err := b.deleteClientLocked(key); err != nil {
			return err
		}
	}

	b.conn.AddRule(&nftables.Rule{
		Table: b.table,
		Chain: b.outgoing,
		Exprs: append(b.iifMatch(),
			&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseLLHeader, Offset: 6, Len: 6},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte(hw)},
			&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseNetworkHeader, Offset: 12, Len: 4},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: addr},
			&expr.Counter{},
			&expr.Immediate{Register: 1, Data: binaryutil.NativeEndian.PutUint32(uint32(mark))},
			&expr.Meta{Key: expr.MetaKeyMARK, SourceRegister: true, Register: 1},
		),
		UserData: ruleTag(dirOut, key, ip, mark),
	})
	b.conn.AddRule(&nftables.Rule{
		Table: b.table,
		Chain: b.incoming,
		Exprs: []expr.Any{
			&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseNetworkHeader, Offset: 16, Len: 4},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: addr},
			&expr.Counter{},
		},
		UserData: ruleTag(dirIn, key, ip, mark),
	})

	if err := b.conn.Flush(); err != nil {
		return fmt.Errorf("failed to allow %s (%s): %w", ip, key, err)
	}
	b.clients[key] = programmed{ip: ip, mark: mark}
	b.logger.Debug("client allowed", "ip", ip, "mac", key, "mark", mark.String())
	return nil
}

// Deny removes the rules of mac. Denying a client that has no rules is not
// an error.
func (b *NFTBackend) Deny(ip, mac string, mark Mark) error {
	_, hw, err := parseClient(ip, mac)
	if err != nil {
		return err
	}
	key := hw.String()

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.deleteClientLocked(key); err != nil {
		return err
	}
	b.logger.Debug("client denied", "ip", ip, "mac", key, "mark", mark.String())

	if b.flows != nil {
		if err := b.flows.FlushFlows(ip); err != nil {
			b.logger.Warn("failed to flush tracked flows", "ip", ip, "error", err)
		}
	}
	return nil
}

func (b *NFTBackend) deleteClientLocked(mac string) error {
	found := 0
	for _, chain := range []*nftables.Chain{b.outgoing, b.incoming} {
		rules, err := b.conn.GetRules(b.table, chain)
		if err != nil {
			return fmt.Errorf("failed to list %s rules: %w", chain.Name, err)
		}
		for _, r := range rules {
			tag, ok := parseRuleTag(r.UserData)
			if !ok || tag.mac != mac {
				continue
			}
			if err := b.conn.DelRule(r); err != nil {
				return fmt.Errorf("failed to delete %s rule for %s: %w", chain.Name, mac, err)
			}
			found++
		}
	}
	delete(b.clients, mac)
	if found == 0 {
		return nil
	}
	if err := b.conn.Flush(); err != nil {
		return fmt.Errorf("failed to remove rules for %s: %w", mac, err)
	}
	return nil
}

// RefreshCounters reads the byte counters of every programmed client.
func (b *NFTBackend) RefreshCounters(ctx context.Context) ([]CounterReading, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.outgoing == nil {
		return nil, fmt.Errorf("table %s not initialized", b.table.Name)
	}

	byMAC := make(map[string]*CounterReading)
	var order []string
	for _, chain := range []*nftables.Chain{b.outgoing, b.incoming} {
		rules, err := b.conn.GetRules(b.table, chain)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s counters: %w", chain.Name, err)
		}
		for _, r := range rules {
			tag, ok := parseRuleTag(r.UserData)
			if !ok {
				continue
			}
			reading, ok := byMAC[tag.mac]
			if !ok {
				reading = &CounterReading{MAC: tag.mac, IP: tag.ip}
				byMAC[tag.mac] = reading
				order = append(order, tag.mac)
			}
			bytes := counterBytes(r)
			if tag.dir == dirOut {
				reading.Outgoing += bytes
			} else {
				reading.Incoming += bytes
			}
		}
	}

	readings := make([]CounterReading, 0, len(order))
	for _, mac := range order {
		readings = append(readings, *byMAC[mac])
	}
	return readings, nil
}

// SetAuthServers replaces the auth server allow-list.
func (b *NFTBackend) SetAuthServers(ips []net.IP) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	elems := make([]nftables.SetElement, 0, len(ips))
	for _, ip := range ips {
		v4 := ip.To4()
		if v4 == nil {
			b.logger.Debug("skipping non-IPv4 auth server address", "ip", ip.String())
			continue
		}
		elems = append(elems, nftables.SetElement{Key: v4})
	}

	b.conn.FlushSet(b.authSet)
	if len(elems) > 0 {
		if err := b.conn.SetAddElements(b.authSet, elems); err != nil {
			return fmt.Errorf("failed to add auth server addresses: %w", err)
		}
	}
	if err := b.conn.Flush(); err != nil {
		return fmt.Errorf("failed to update %s: %w", setAuthServer, err)
	}
	b.logger.Info("auth server allow-list updated", "count", len(elems))
	return nil
}

// ClearAuthServers empties the auth server allow-list.
func (b *NFTBackend) ClearAuthServers() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.conn.FlushSet(b.authSet)
	if err := b.conn.Flush(); err != nil {
		return fmt.Errorf("failed to clear %s: %w", setAuthServer, err)
	}
	return nil
}

// MarkUnreachable opens the gateway to every client.
func (b *NFTBackend) MarkUnreachable() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.unreachable {
		return nil
	}
	b.conn.FlushChain(b.authdown)
	b.conn.AddRule(&nftables.Rule{
		Table: b.table,
		Chain: b.authdown,
		Exprs: []expr.Any{
			&expr.Counter{},
			&expr.Verdict{Kind: expr.VerdictAccept},
		},
	})
	if err := b.conn.Flush(); err != nil {
		return fmt.Errorf("failed to enable auth-down passthrough: %w", err)
	}
	b.unreachable = true
	b.logger.Warn("auth servers unreachable, passthrough enabled")
	return nil
}

// MarkReachable removes the passthrough installed by MarkUnreachable.
func (b *NFTBackend) MarkReachable() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.unreachable {
		return nil
	}
	b.conn.FlushChain(b.authdown)
	if err := b.conn.Flush(); err != nil {
		return fmt.Errorf("failed to disable auth-down passthrough: %w", err)
	}
	b.unreachable = false
	b.logger.Info("auth servers reachable, passthrough disabled")
	return nil
}

func (b *NFTBackend) iifMatch() []expr.Any {
	if b.opts.Interface == "" {
		return nil
	}
	return []expr.Any{
		&expr.Meta{Key: expr.MetaKeyIIFNAME, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: ifname(b.opts.Interface)},
	}
}

func markMatch(m Mark) []expr.Any {
	return []expr.Any{
		&expr.Meta{Key: expr.MetaKeyMARK, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: binaryutil.NativeEndian.PutUint32(uint32(m))},
	}
}

// ifname pads an interface name to IFNAMSIZ as the kernel compares it.
func ifname(n string) []byte {
	b := make([]byte, 16)
	copy(b, n+"\x00")
	return b
}

func counterBytes(r *nftables.Rule) uint64 {
	for _, e := range r.Exprs {
		if c, ok := e.(*expr.Counter); ok {
			return c.Bytes
		}
	}
	return 0
}

func parseClient(ip, mac string) (net.IP, net.HardwareAddr, error) {
	addr := net.ParseIP(ip).To4()
	if addr == nil {
		return nil, nil, fmt.Errorf("invalid client IPv4 address %q", ip)
	}
	hw, err := net.ParseMAC(mac)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid client MAC %q: %w", mac, err)
	}
	if len(hw) != 6 {
		return nil, nil, fmt.Errorf("invalid client MAC %q: not EUI-48", mac)
	}
	return addr, hw, nil
}

type ruleTagFields struct {
	dir  string
	mac  string
	ip   string
	mark Mark
}

// Rule tags are "dir,mac,ip,mark" in the rule's UserData.
func ruleTag(dir, mac, ip string, mark Mark) []byte {
	return []byte(fmt.Sprintf("%s,%s,%s,%d", dir, mac, ip, mark))
}

func parseRuleTag(data []byte) (ruleTagFields, bool) {
	parts := strings.Split(string(data), ",")
	if len(parts) != 4 || (parts[0] != dirOut && parts[0] != dirIn) {
		return ruleTagFields{}, false
	}
	mark, err := strconv.ParseUint(parts[3], 10, 32)
	if err != nil {
		return ruleTagFields{}, false
	}
	return ruleTagFields{dir: parts[0], mac: parts[1], ip: parts[2], mark: Mark(mark)}, true
}
