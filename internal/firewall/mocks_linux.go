//go:build linux

package firewall

import (
	"sync"

	"github.com/google/nftables"
	"github.com/stretchr/testify/mock"
)

// MockNFTablesConn is an in-memory NFTablesConn. Operations apply
// immediately; Flush only counts calls and returns FlushErr.
type MockNFTablesConn struct {
	mu sync.Mutex

	FlushErr error
	Flushes  int

	tables map[string]*nftables.Table
	chains map[string]*nftables.Chain
	rules  map[string][]*nftables.Rule
	sets   map[string]*nftables.Set
	elems  map[string][]nftables.SetElement
}

// NewMockNFTablesConn creates a new mock nftables connection.
func NewMockNFTablesConn() *MockNFTablesConn {
	return &MockNFTablesConn{
		tables: make(map[string]*nftables.Table),
		chains: make(map[string]*nftables.Chain),
		rules:  make(map[string][]*nftables.Rule),
		sets:   make(map[string]*nftables.Set),
		elems:  make(map[string][]nftables.SetElement),
	}
}

func (m *MockNFTablesConn) AddTable(t *nftables.Table) *nftables.Table {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tables[t.Name] = t
	return t
}

func (m *MockNFTablesConn) DelTable(t *nftables.Table) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tables, t.Name)
	for key, c := range m.chains {
		if c.Table.Name == t.Name {
			delete(m.chains, key)
			delete(m.rules, key)
		}
	}
	for name, s := range m.sets {
		if s.Table.Name == t.Name {
			delete(m.sets, name)
			delete(m.elems, name)
		}
	}
}

func (m *MockNFTablesConn) AddChain(c *nftables.Chain) *nftables.Chain {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chains[c.Table.Name+"/"+c.Name] = c
	return c
}

func (m *MockNFTablesConn) FlushChain(c *nftables.Chain) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rules, c.Table.Name+"/"+c.Name)
}

func (m *MockNFTablesConn) AddRule(r *nftables.Rule) *nftables.Rule {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := r.Table.Name + "/" + r.Chain.Name
	m.rules[key] = append(m.rules[key], r)
	return r
}

func (m *MockNFTablesConn) DelRule(r *nftables.Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := r.Table.Name + "/" + r.Chain.Name
	rules := m.rules[key]
	for i, existing := range rules {
		if existing == r {
			m.rules[key] = append(rules[:i:i], rules[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m *MockNFTablesConn) GetRules(t *nftables.Table, c *nftables.Chain) ([]*nftables.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rules := m.rules[t.Name+"/"+c.Name]
	return append([]*nftables.Rule(nil), rules...), nil
}

func (m *MockNFTablesConn) AddSet(s *nftables.Set, vals []nftables.SetElement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sets[s.Name] = s
	m.elems[s.Name] = append([]nftables.SetElement(nil), vals...)
	return nil
}

func (m *MockNFTablesConn) SetAddElements(s *nftables.Set, vals []nftables.SetElement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.elems[s.Name] = append(m.elems[s.Name], vals...)
	return nil
}

func (m *MockNFTablesConn) FlushSet(s *nftables.Set) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.elems[s.Name] = nil
}

func (m *MockNFTablesConn) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Flushes++
	return m.FlushErr
}

// Helper methods for test assertions

// Rules returns the rules currently in chain of table.
func (m *MockNFTablesConn) Rules(table, chain string) []*nftables.Rule {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*nftables.Rule(nil), m.rules[table+"/"+chain]...)
}

// SetElements returns the elements of the named set.
func (m *MockNFTablesConn) SetElements(name string) []nftables.SetElement {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]nftables.SetElement(nil), m.elems[name]...)
}

// HasTable reports whether a table with name exists.
func (m *MockNFTablesConn) HasTable(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tables[name]
	return ok
}

// GetChainCount returns the number of chains.
func (m *MockNFTablesConn) GetChainCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.chains)
}

// MockFlowFlusher is a testify mock of FlowFlusher.
type MockFlowFlusher struct {
	mock.Mock
}

func (m *MockFlowFlusher) FlushFlows(ip string) error {
	args := m.Called(ip)
	return args.Error(0)
}
