package authserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/tollgate/internal/clock"
	"grimm.is/tollgate/internal/logging"
)

func newTestClient(servers ...Server) *HTTPClient {
	return NewHTTPClient(ClientOptions{
		GatewayID: "gw-01",
		Servers:   servers,
		Logger:    logging.Discard(),
	})
}

func serverFor(name string, ts *httptest.Server) Server {
	return Server{Name: name, Host: "127.0.0.1", BaseURL: ts.URL + "/wifidog/", Timeout: 2 * time.Second}
}

func TestHTTPClient_RequestQuery(t *testing.T) {
	var got *http.Request
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r
		fmt.Fprintln(w, "Auth: 1")
	}))
	defer ts.Close()

	c := newTestClient(serverFor("primary", ts))
	resp, err := c.Request(context.Background(), Counters, "10.0.0.5", "aa:bb:cc:dd:ee:01", "tok", 500, 200)
	require.NoError(t, err)
	assert.Equal(t, Allowed, resp.Code)
	assert.Equal(t, "primary", resp.Server)

	require.NotNil(t, got)
	assert.Equal(t, "/wifidog/auth/", got.URL.Path)
	q := got.URL.Query()
	assert.Equal(t, "counters", q.Get("stage"))
	assert.Equal(t, "10.0.0.5", q.Get("ip"))
	assert.Equal(t, "aa:bb:cc:dd:ee:01", q.Get("mac"))
	assert.Equal(t, "tok", q.Get("token"))
	assert.Equal(t, "500", q.Get("incoming"))
	assert.Equal(t, "200", q.Get("outgoing"))
	assert.Equal(t, "gw-01", q.Get("gw_id"))
	assert.NotEmpty(t, got.Header.Get("X-Request-ID"))
}

func TestHTTPClient_Codes(t *testing.T) {
	tests := []struct {
		body string
		want Code
	}{
		{"Auth: 0", Denied},
		{"Auth: 1", Allowed},
		{"Auth: 5", Validation},
		{"Auth: 6", ValidationFailed},
		{"Auth: -1", Error},
		{"Auth: 254", Error},
		{"Auth: x", Error},
		{"<html>hello</html>", Error},
		{"Messages: none\nAuth: 1\n", Allowed},
	}

	for _, tt := range tests {
		t.Run(tt.body, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, tt.body)
			}))
			defer ts.Close()

			resp, err := newTestClient(serverFor("a", ts)).Request(context.Background(), Login, "10.0.0.5", "aa:bb:cc:dd:ee:01", "t", 0, 0)
			require.NoError(t, err, "a reply is never a transport error")
			assert.Equal(t, tt.want, resp.Code)
		})
	}
}

func TestHTTPClient_Failover(t *testing.T) {
	var downHits atomic.Int32
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		downHits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer down.Close()

	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "Auth: 1")
	}))
	defer up.Close()

	c := newTestClient(serverFor("down", down), serverFor("up", up))

	resp, err := c.Request(context.Background(), Counters, "10.0.0.5", "aa:bb:cc:dd:ee:01", "t", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "up", resp.Server)

	cur, ok := c.Current()
	require.True(t, ok)
	assert.Equal(t, "up", cur.Name, "the working server is kept")

	_, err = c.Request(context.Background(), Counters, "10.0.0.5", "aa:bb:cc:dd:ee:01", "t", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, int32(1), downHits.Load())
}

func TestHTTPClient_AllServersDown(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := ts.URL
	ts.Close()

	c := newTestClient(Server{Name: "gone", BaseURL: url + "/"})
	resp, err := c.Request(context.Background(), Counters, "10.0.0.5", "aa:bb:cc:dd:ee:01", "t", 0, 0)
	require.Error(t, err)
	assert.Equal(t, Error, resp.Code)
}

func TestHTTPClient_NotConfigured(t *testing.T) {
	c := newTestClient()
	assert.False(t, c.Configured())

	resp, err := c.Request(context.Background(), Logout, "10.0.0.5", "aa:bb:cc:dd:ee:01", "t", 0, 0)
	assert.True(t, errors.Is(err, ErrNoServers))
	assert.Equal(t, Error, resp.Code)
	assert.ErrorIs(t, c.Ping(context.Background()), ErrNoServers)

	_, ok := c.Current()
	assert.False(t, ok)
}

func TestHTTPClient_Timeout(t *testing.T) {
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer ts.Close()
	defer close(release)

	srv := serverFor("slow", ts)
	srv.Timeout = 50 * time.Millisecond
	resp, err := newTestClient(srv).Request(context.Background(), Counters, "10.0.0.5", "aa:bb:cc:dd:ee:01", "t", 0, 0)
	require.Error(t, err)
	assert.Equal(t, Error, resp.Code)
}

func TestHTTPClient_Ping(t *testing.T) {
	clk := clock.NewMockClock(time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC))

	var query string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/wifidog/ping/", r.URL.Path)
		query = r.URL.RawQuery
		fmt.Fprint(w, "Pong")
	}))
	defer ts.Close()

	c := NewHTTPClient(ClientOptions{
		GatewayID: "gw-01",
		Servers:   []Server{serverFor("a", ts)},
		Clock:     clk,
		Logger:    logging.Discard(),
	})
	clk.Advance(90 * time.Second)

	require.NoError(t, c.Ping(context.Background()))
	assert.Contains(t, query, "gw_id=gw-01")
	assert.Contains(t, query, "sys_uptime=90")
}

func TestHTTPClient_PingBadReply(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "maintenance")
	}))
	defer ts.Close()

	assert.Error(t, newTestClient(serverFor("a", ts)).Ping(context.Background()))
}

func TestParseCode(t *testing.T) {
	c, ok := ParseCode(5)
	assert.True(t, ok)
	assert.Equal(t, Validation, c)

	c, ok = ParseCode(254)
	assert.False(t, ok)
	assert.Equal(t, Error, c)

	assert.Equal(t, "code(42)", Code(42).String())
	assert.Equal(t, "logout", Logout.String())
}
