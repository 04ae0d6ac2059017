package authserver

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"grimm.is/tollgate/internal/clock"
	"grimm.is/tollgate/internal/logging"
)

const (
	authLinePrefix = "Auth:"
	pongMarker     = "Pong"
	maxBodySize    = 64 << 10
)

// Server is one auth server endpoint.
type Server struct {
	Name string
	// Host is the hostname, used to program the firewall allow-list.
	Host string
	// BaseURL ends with a slash; request paths are appended to it.
	BaseURL string
	Timeout time.Duration
}

// ClientOptions configures an HTTPClient.
type ClientOptions struct {
	GatewayID string
	Servers   []Server
	// HTTP overrides the transport. Defaults to a plain http.Client.
	HTTP   *http.Client
	Clock  clock.Clock
	Logger *logging.Logger
}

// HTTPClient is a Requester speaking the wifidog auth protocol over HTTP.
// On a transport failure it fails over to the next configured server and
// keeps using that one until it fails too.
type HTTPClient struct {
	gatewayID string
	servers   []Server
	http      *http.Client
	clock     clock.Clock
	started   time.Time
	logger    *logging.Logger

	mu      sync.Mutex
	current int
}

var _ Requester = (*HTTPClient)(nil)

// NewHTTPClient creates a client for opts.Servers.
func NewHTTPClient(opts ClientOptions) *HTTPClient {
	hc := opts.HTTP
	if hc == nil {
		hc = &http.Client{}
	}
	clk := clock.OrReal(opts.Clock)
	return &HTTPClient{
		gatewayID: opts.GatewayID,
		servers:   append([]Server(nil), opts.Servers...),
		http:      hc,
		clock:     clk,
		started:   clk.Now(),
		logger:    logging.OrDefault(opts.Logger).WithComponent("authserver"),
	}
}

// Configured reports whether any server is set.
func (c *HTTPClient) Configured() bool {
	return len(c.servers) > 0
}

// Servers returns the configured servers.
func (c *HTTPClient) Servers() []Server {
	return append([]Server(nil), c.servers...)
}

// Current returns the server requests are currently sent to.
func (c *HTTPClient) Current() (Server, bool) {
	if len(c.servers) == 0 {
		return Server{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.servers[c.current], true
}

// rotate moves off failed unless another goroutine already did.
func (c *HTTPClient) rotate(failed int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == failed {
		c.current = (c.current + 1) % len(c.servers)
	}
}

func (c *HTTPClient) pick() (int, Server) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current, c.servers[c.current]
}

// Request sends an auth request for one client.
func (c *HTTPClient) Request(ctx context.Context, kind RequestKind, ip, mac, token string, incoming, outgoing uint64) (Response, error) {
	if !c.Configured() {
		return Response{Code: Error}, ErrNoServers
	}

	q := url.Values{}
	q.Set("stage", kind.Stage())
	q.Set("ip", ip)
	q.Set("mac", mac)
	q.Set("token", token)
	q.Set("incoming", strconv.FormatUint(incoming, 10))
	q.Set("outgoing", strconv.FormatUint(outgoing, 10))
	q.Set("gw_id", c.gatewayID)

	return retry(ctx, failoverRetry(len(c.servers)), func() (Response, error) {
		idx, srv := c.pick()
		body, err := c.get(ctx, srv, "auth/", q)
		if err != nil {
			c.logger.Warn("auth server request failed", "server", srv.Name, "stage", kind.Stage(), "error", err)
			c.rotate(idx)
			return Response{Code: Error, Server: srv.Name}, err
		}
		resp := c.parseAuth(body)
		resp.Server = srv.Name
		c.logger.Debug("auth server responded", "server", srv.Name, "stage", kind.Stage(),
			"ip", ip, "mac", mac, "code", resp.Code.String())
		return resp, nil
	})
}

// Ping checks that an auth server answers the heartbeat.
func (c *HTTPClient) Ping(ctx context.Context) error {
	if !c.Configured() {
		return ErrNoServers
	}

	q := url.Values{}
	q.Set("gw_id", c.gatewayID)
	q.Set("sys_uptime", strconv.FormatInt(int64(c.clock.Since(c.started).Seconds()), 10))

	_, err := retry(ctx, failoverRetry(len(c.servers)), func() (struct{}, error) {
		idx, srv := c.pick()
		body, err := c.get(ctx, srv, "ping/", q)
		if err == nil && !strings.Contains(body, pongMarker) {
			err = fmt.Errorf("unexpected ping reply from %s", srv.Name)
		}
		if err != nil {
			c.rotate(idx)
			return struct{}{}, err
		}
		return struct{}{}, nil
	})
	return err
}

func (c *HTTPClient) get(ctx context.Context, srv Server, path string, q url.Values) (string, error) {
	if srv.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, srv.Timeout)
		defer cancel()
	}

	u := srv.BaseURL + path + "?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("User-Agent", "tollgate")
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("%s returned %s", srv.Name, resp.Status)
	}
	return string(body), nil
}

// parseAuth scans body for the "Auth: <n>" line. A reply without one is
// an Error verdict, not a transport failure.
func (c *HTTPClient) parseAuth(body string) Response {
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		rest, ok := strings.CutPrefix(line, authLinePrefix)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(rest))
		if err != nil {
			return Response{Code: Error, Message: "malformed auth line: " + line}
		}
		code, known := ParseCode(n)
		if !known {
			c.logger.Warn("auth server returned unknown code", "code", n)
			return Response{Code: Error, Message: "unknown auth code " + strconv.Itoa(n)}
		}
		return Response{Code: code}
	}
	return Response{Code: Error, Message: "no auth line in reply"}
}
