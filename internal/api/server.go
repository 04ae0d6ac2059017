// Package api serves the gateway's local HTTP interface: the client list,
// manual logout, the portal login hook and task status.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"grimm.is/tollgate/internal/clock"
	"grimm.is/tollgate/internal/gateway"
	"grimm.is/tollgate/internal/logging"
	"grimm.is/tollgate/internal/metrics"
	"grimm.is/tollgate/internal/neighbor"
	"grimm.is/tollgate/internal/ratelimit"
	"grimm.is/tollgate/internal/roster"
	"grimm.is/tollgate/internal/scheduler"
)

const (
	loginAttempts = 10
	loginWindow   = time.Minute
)

// Gateway is the part of the gateway the API exposes.
type Gateway interface {
	Clients() []roster.Client
	Login(ctx context.Context, ip, token string) (roster.Client, error)
	Logout(ctx context.Context, mac string) error
}

// TaskSource reports scheduler task status.
type TaskSource interface {
	GetStatus() []scheduler.TaskStatus
}

// ServerOptions configures a Server.
type ServerOptions struct {
	Gateway Gateway
	Tasks   TaskSource
	// ServeMetrics mounts /metrics on the API listener.
	ServeMetrics bool
	Clock        clock.Clock
	Metrics      *metrics.Registry
	Logger       *logging.Logger
}

// Server is the API server.
type Server struct {
	gw        Gateway
	tasks     TaskSource
	clock     clock.Clock
	metrics   *metrics.Registry
	logger    *logging.Logger
	limiter   *ratelimit.Limiter
	startTime time.Time
	handler   http.Handler
}

// NewServer creates a Server and registers its routes.
func NewServer(opts ServerOptions) (*Server, error) {
	if opts.Gateway == nil {
		return nil, errors.New("api: gateway is required")
	}
	clk := clock.OrReal(opts.Clock)
	s := &Server{
		gw:        opts.Gateway,
		tasks:     opts.Tasks,
		clock:     clk,
		metrics:   opts.Metrics,
		logger:    logging.OrDefault(opts.Logger).WithComponent("api"),
		limiter:   ratelimit.New(loginAttempts, loginWindow, clk),
		startTime: clk.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/clients", s.handleClients)
	mux.HandleFunc("POST /api/clients/{mac}/logout", s.handleLogout)
	mux.HandleFunc("POST /api/login", s.handleLogin)
	if opts.ServeMetrics {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	s.handler = AccessLogger(s.logger, s.metrics, mux)
	return s, nil
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Serve listens on addr until ctx is canceled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("api: listen on %s: %w", addr, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.limiter.StartCleanup(ctx, 10*time.Minute, time.Hour)

	return ServeListener(ctx, ln, s.handler, s.logger)
}

// ServeListener serves h on ln until ctx is canceled.
func ServeListener(ctx context.Context, ln net.Listener, h http.Handler, logger *logging.Logger) error {
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		srv.Shutdown(shutdownCtx)
	}()

	logging.OrDefault(logger).Info("Listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ClientView is the JSON form of a roster client.
type ClientView struct {
	IP          string    `json:"ip"`
	MAC         string    `json:"mac"`
	State       string    `json:"state"`
	Incoming    uint64    `json:"incoming"`
	Outgoing    uint64    `json:"outgoing"`
	LastUpdated time.Time `json:"last_updated"`
	LoggedInAt  time.Time `json:"logged_in_at"`
}

func viewOf(c roster.Client) ClientView {
	return ClientView{
		IP:          c.IP,
		MAC:         c.MAC,
		State:       c.State.String(),
		Incoming:    c.Counters.Incoming,
		Outgoing:    c.Counters.Outgoing,
		LastUpdated: c.Counters.LastUpdated,
		LoggedInAt:  c.LoggedInAt,
	}
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	Uptime  string                 `json:"uptime"`
	Clients int                    `json:"clients"`
	Tasks   []scheduler.TaskStatus `json:"tasks,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Uptime:  s.clock.Since(s.startTime).Truncate(time.Second).String(),
		Clients: len(s.gw.Clients()),
	}
	if s.tasks != nil {
		resp.Tasks = s.tasks.GetStatus()
	}
	WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handleClients(w http.ResponseWriter, r *http.Request) {
	clients := s.gw.Clients()
	views := make([]ClientView, len(clients))
	for i, c := range clients {
		views[i] = viewOf(c)
	}
	WriteJSON(w, http.StatusOK, views)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	mac := r.PathValue("mac")
	if _, err := net.ParseMAC(mac); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid MAC address", mac)
		return
	}

	if err := s.gw.Logout(r.Context(), mac); err != nil {
		if errors.Is(err, roster.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "client not found", mac)
			return
		}
		s.logger.Error("Logout failed", "mac", mac, "error", err)
		WriteError(w, http.StatusInternalServerError, "logout failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	source := getClientIP(r)
	if !s.limiter.Allow(source) {
		WriteError(w, http.StatusTooManyRequests, "too many login attempts")
		return
	}

	ip := r.FormValue("ip")
	if ip == "" {
		ip = source
	}
	if parsed := net.ParseIP(ip); parsed == nil || parsed.To4() == nil {
		WriteError(w, http.StatusBadRequest, "invalid client address", ip)
		return
	}

	c, err := s.gw.Login(r.Context(), ip, r.FormValue("token"))
	switch {
	case err == nil:
		s.limiter.Reset(source)
		WriteJSON(w, http.StatusOK, viewOf(c))
	case errors.Is(err, gateway.ErrDenied):
		WriteError(w, http.StatusForbidden, "access denied")
	case errors.Is(err, gateway.ErrAuthUnavailable):
		WriteError(w, http.StatusServiceUnavailable, "auth server unavailable")
	case errors.Is(err, neighbor.ErrNotFound):
		WriteError(w, http.StatusBadRequest, "client is not on the captive network", ip)
	default:
		s.logger.Error("Login failed", "ip", ip, "error", err)
		WriteError(w, http.StatusInternalServerError, "login failed")
	}
}
