// Package roster holds the set of clients known to the gateway.
//
// All access goes through the Roster's mutex. Callers iterate with handles
// obtained from Snapshot and must re-validate a handle every time they
// re-acquire the lock: a client can be logged out by another goroutine at
// any point where the lock is not held.
package roster

import (
	"errors"
	"sort"
	"sync"
)

// ErrNotFound is returned when a handle or MAC no longer denotes a client.
var ErrNotFound = errors.New("client not found")

// Handle identifies one roster entry. A handle is only meaningful while the
// entry it was taken from is still present: re-inserting the same MAC yields
// a new generation and invalidates older handles.
type Handle struct {
	MAC string
	Gen uint64
}

type entry struct {
	gen    uint64
	seq    uint64
	client Client
}

// Roster is the shared collection of clients, keyed by MAC.
type Roster struct {
	mu      sync.Mutex
	clients map[string]*entry
	nextGen uint64
}

// New returns an empty roster.
func New() *Roster {
	return &Roster{clients: make(map[string]*entry)}
}

// Txn is the view of the roster inside a locked section. It must not be
// retained after the Update callback returns.
type Txn struct {
	r *Roster
}

// Update runs fn with the roster lock held. fn must not block on network I/O.
func (r *Roster) Update(fn func(tx *Txn)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&Txn{r: r})
}

// Snapshot returns handles for every client, in insertion order. The lock is
// held only while the slice is built.
func (r *Roster) Snapshot() []Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := r.sortedLocked()
	handles := make([]Handle, len(entries))
	for i, e := range entries {
		handles[i] = Handle{MAC: e.client.MAC, Gen: e.gen}
	}
	return handles
}

// Get returns a copy of the client behind h, or false if h is stale.
func (r *Roster) Get(h Handle) (Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.lookupLocked(h)
	if !ok {
		return Client{}, false
	}
	return e.client, true
}

// Find returns a copy of the client with the given MAC and its handle.
func (r *Roster) Find(mac string) (Client, Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.clients[NormalizeMAC(mac)]
	if !ok {
		return Client{}, Handle{}, false
	}
	return e.client, Handle{MAC: e.client.MAC, Gen: e.gen}, true
}

// Insert adds or replaces a client and returns its new handle.
func (r *Roster) Insert(c Client) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return (&Txn{r: r}).Insert(c)
}

// List returns copies of all clients in insertion order.
func (r *Roster) List() []Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := r.sortedLocked()
	out := make([]Client, len(entries))
	for i, e := range entries {
		out[i] = e.client
	}
	return out
}

// Len returns the number of clients.
func (r *Roster) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

func (r *Roster) lookupLocked(h Handle) (*entry, bool) {
	e, ok := r.clients[h.MAC]
	if !ok || e.gen != h.Gen {
		return nil, false
	}
	return e, true
}

func (r *Roster) sortedLocked() []*entry {
	entries := make([]*entry, 0, len(r.clients))
	for _, e := range r.clients {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	return entries
}

// Valid reports whether h still denotes a live entry.
func (tx *Txn) Valid(h Handle) bool {
	_, ok := tx.r.lookupLocked(h)
	return ok
}

// Client returns the live entry behind h for in-place mutation. The pointer
// is only valid until the enclosing Update returns.
func (tx *Txn) Client(h Handle) (*Client, bool) {
	e, ok := tx.r.lookupLocked(h)
	if !ok {
		return nil, false
	}
	return &e.client, true
}

// Lookup returns the live entry for mac and its handle.
func (tx *Txn) Lookup(mac string) (*Client, Handle, bool) {
	e, ok := tx.r.clients[NormalizeMAC(mac)]
	if !ok {
		return nil, Handle{}, false
	}
	return &e.client, Handle{MAC: e.client.MAC, Gen: e.gen}, true
}

// Insert adds c, replacing any entry with the same MAC.
func (tx *Txn) Insert(c Client) Handle {
	c.MAC = NormalizeMAC(c.MAC)
	tx.r.nextGen++
	e := &entry{gen: tx.r.nextGen, seq: tx.r.nextGen, client: c}
	if old, ok := tx.r.clients[c.MAC]; ok {
		e.seq = old.seq
	}
	tx.r.clients[c.MAC] = e
	return Handle{MAC: c.MAC, Gen: e.gen}
}

// Remove deletes the entry behind h and returns the removed client.
func (tx *Txn) Remove(h Handle) (Client, bool) {
	e, ok := tx.r.lookupLocked(h)
	if !ok {
		return Client{}, false
	}
	delete(tx.r.clients, h.MAC)
	return e.client, true
}

// Each calls fn for every client in insertion order until fn returns false.
// fn must not insert or remove entries.
func (tx *Txn) Each(fn func(h Handle, c *Client) bool) {
	for _, e := range tx.r.sortedLocked() {
		if !fn(Handle{MAC: e.client.MAC, Gen: e.gen}, &e.client) {
			return
		}
	}
}
