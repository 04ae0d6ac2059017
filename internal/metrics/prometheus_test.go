package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RecordPass(t *testing.T) {
	r := New(prometheus.NewRegistry())

	r.RecordPass(120*time.Millisecond, nil)
	r.RecordPass(0, errors.New("nft: busy"))

	assert.Equal(t, 1.0, testutil.ToFloat64(r.Passes))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.PassFailures))
}

func TestRegistry_SetClients(t *testing.T) {
	r := New(prometheus.NewRegistry())
	states := []string{"known", "validation", "probation"}

	r.SetClients(map[string]int{"known": 3, "validation": 1}, states)
	assert.Equal(t, 3.0, testutil.ToFloat64(r.Clients.WithLabelValues("known")))
	assert.Equal(t, 0.0, testutil.ToFloat64(r.Clients.WithLabelValues("probation")))

	r.SetClients(map[string]int{}, states)
	assert.Equal(t, 0.0, testutil.ToFloat64(r.Clients.WithLabelValues("known")))
}

func TestRegistry_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)

	r.RecordAuthResponse("counters", "allowed")
	r.RecordAuthResponse("counters", "allowed")
	r.RecordLogout(ReasonTimeout)
	r.RecordLogin("allowed")
	r.SetAuthReachable(true)
	r.SetOnline(false)
	r.RecordAPIRequest("GET", "/clients", 200, 0.01)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.AuthResponses.WithLabelValues("counters", "allowed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.Logouts.WithLabelValues(ReasonTimeout)))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.AuthReachable))
	assert.Equal(t, 0.0, testutil.ToFloat64(r.Online))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.APIRequests.WithLabelValues("GET", "/clients", "200")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestGet_Singleton(t *testing.T) {
	assert.Same(t, Get(), Get())
}
