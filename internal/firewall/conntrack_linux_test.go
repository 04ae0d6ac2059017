//go:build linux

package firewall

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/ti-mo/conntrack"
)

func flow(src, dst string) conntrack.Flow {
	return conntrack.Flow{
		TupleOrig: conntrack.Tuple{
			IP: conntrack.IPTuple{
				SourceAddress:      netip.MustParseAddr(src),
				DestinationAddress: netip.MustParseAddr(dst),
			},
		},
	}
}

func TestMatchingFlows(t *testing.T) {
	flows := []conntrack.Flow{
		flow("10.0.0.5", "93.184.216.34"),
		flow("10.0.0.6", "93.184.216.34"),
		flow("93.184.216.34", "10.0.0.5"),
	}

	got := matchingFlows(flows, netip.MustParseAddr("10.0.0.5"))
	assert.Len(t, got, 2)

	assert.Empty(t, matchingFlows(flows, netip.MustParseAddr("10.0.0.9")))
}

func TestConntrackFlusher_InvalidAddress(t *testing.T) {
	assert.Error(t, NewConntrackFlusher().FlushFlows("bogus"))
}
