package roster

import (
	"net"
	"strings"
	"time"
)

// State is a client's access state. It mirrors what is currently programmed
// into the firewall for the client.
type State int

const (
	// StateUnknown means no firewall rule is programmed yet.
	StateUnknown State = iota
	// StateValidation is the grace window before the first successful auth
	// check; the firewall allows limited passthrough.
	StateValidation
	// StateValidationFailed means the grace window expired without success.
	StateValidationFailed
	// StateProbation is a previously allowed client pending re-check. Its
	// counters survive the return to StateKnown.
	StateProbation
	// StateKnown is fully authenticated and allowed.
	StateKnown
	// StateDenied is actively blocked.
	StateDenied
)

var stateNames = map[State]string{
	StateUnknown:          "unknown",
	StateValidation:       "validation",
	StateValidationFailed: "validation_failed",
	StateProbation:        "probation",
	StateKnown:            "known",
	StateDenied:           "denied",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "invalid"
}

// ParseState is the inverse of String. Used when restoring persisted clients.
func ParseState(name string) (State, bool) {
	for s, n := range stateNames {
		if n == name {
			return s, true
		}
	}
	return StateUnknown, false
}

// Allowed reports whether the firewall passes traffic for a client in s.
func (s State) Allowed() bool {
	return s == StateValidation || s == StateProbation || s == StateKnown
}

// Counters are the byte counts last read from the firewall.
//
// The kernel counters restart whenever a client's rules are re-programmed;
// the History fields hold the value accumulated before that restart, so
// Incoming = IncomingHistory + kernel reading.
type Counters struct {
	Incoming        uint64    `json:"incoming"`
	Outgoing        uint64    `json:"outgoing"`
	IncomingHistory uint64    `json:"-"`
	OutgoingHistory uint64    `json:"-"`
	LastUpdated     time.Time `json:"last_updated"`
}

// Reset zeroes the byte counts and their history. LastUpdated is kept.
func (c *Counters) Reset() {
	c.Incoming, c.Outgoing = 0, 0
	c.IncomingHistory, c.OutgoingHistory = 0, 0
}

// Rebase records the current counts as history. Call it after the firewall
// rules for the client have been re-created.
func (c *Counters) Rebase() {
	c.IncomingHistory = c.Incoming
	c.OutgoingHistory = c.Outgoing
}

// Observe folds a kernel counter reading into the totals. Only outgoing
// traffic (sent by the client) counts as activity and moves LastUpdated;
// inbound bytes alone do not keep an idle client alive. It reports whether
// LastUpdated moved.
func (c *Counters) Observe(incoming, outgoing uint64, now time.Time) bool {
	if total := c.IncomingHistory + incoming; total > c.Incoming {
		c.Incoming = total
	}
	if total := c.OutgoingHistory + outgoing; total > c.Outgoing {
		c.Outgoing = total
		c.LastUpdated = now
		return true
	}
	return false
}

// Client is one known network client.
type Client struct {
	IP         string    `json:"ip"`
	MAC        string    `json:"mac"`
	Token      string    `json:"token,omitempty"`
	State      State     `json:"-"`
	Counters   Counters  `json:"counters"`
	LoggedInAt time.Time `json:"logged_in_at"`
}

// IdleSince reports whether the client has been inactive for at least d at
// time now.
func (c *Client) IdleSince(now time.Time, d time.Duration) bool {
	return !c.Counters.LastUpdated.Add(d).After(now)
}

// NormalizeMAC canonicalizes a MAC address to lower-case colon form. Input
// that does not parse is returned lower-cased and trimmed.
func NormalizeMAC(mac string) string {
	mac = strings.TrimSpace(mac)
	if hw, err := net.ParseMAC(mac); err == nil {
		return hw.String()
	}
	return strings.ToLower(mac)
}
