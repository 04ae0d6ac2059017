// Package monitor watches auth server and upstream reachability and keeps
// the gateway's passthrough rules in step with it.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"sync"
	"time"

	probing "github.com/prometheus-community/pro-bing"

	"grimm.is/tollgate/internal/logging"
	"grimm.is/tollgate/internal/metrics"
)

// Passthrough is the part of the gateway the monitor drives.
type Passthrough interface {
	SetAuthServerPassthrough(ips []net.IP) error
	ClearAuthServerPassthrough() error
	MarkAuthServerUnreachable() error
	MarkAuthServerReachable() error
}

// Pinger checks whether an auth server answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HostResolver maps auth server hostnames to IPv4 addresses.
type HostResolver interface {
	ResolveAll(ctx context.Context, hosts []string) []net.IP
}

// Options configures a Service.
type Options struct {
	Gateway  Passthrough
	Auth     Pinger
	Resolver HostResolver
	// AuthHosts are the auth server hostnames to keep in the allow-list.
	AuthHosts []string
	// FailOpen passes every client through while no auth server answers.
	FailOpen bool
	// OnlineTargets are pinged to decide whether the uplink works.
	OnlineTargets []string
	Metrics       *metrics.Registry
	Logger        *logging.Logger
}

// Service runs the connectivity checks. Each check is meant to be called
// from a scheduler task.
type Service struct {
	opts   Options
	logger *logging.Logger

	mu        sync.Mutex
	allowList []string
	reachable *bool
	online    *bool
}

// New creates a Service.
func New(opts Options) *Service {
	if opts.Metrics == nil {
		opts.Metrics = metrics.Get()
	}
	return &Service{
		opts:   opts,
		logger: logging.OrDefault(opts.Logger).WithComponent("monitor"),
	}
}

// CheckAuthServers re-resolves the auth server hostnames, updates the
// passthrough allow-list when the address set changed, then pings the auth
// server and toggles fail-open passthrough on a change of reachability.
func (s *Service) CheckAuthServers(ctx context.Context) error {
	if s.opts.Gateway == nil {
		return errors.New("monitor: no gateway configured")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	if s.opts.Resolver != nil && len(s.opts.AuthHosts) > 0 {
		if err := s.refreshAllowList(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if s.opts.Auth == nil {
		return errors.Join(errs...)
	}

	err := s.opts.Auth.Ping(ctx)
	ok := err == nil
	s.opts.Metrics.SetAuthReachable(ok)

	if s.reachable != nil && *s.reachable == ok {
		return errors.Join(errs...)
	}
	if ok {
		s.logger.Info("Auth server is reachable")
	} else {
		s.logger.Warn("Auth server is unreachable", "error", err)
	}

	if s.opts.FailOpen {
		var toggleErr error
		if ok {
			toggleErr = s.opts.Gateway.MarkAuthServerReachable()
		} else {
			toggleErr = s.opts.Gateway.MarkAuthServerUnreachable()
		}
		if toggleErr != nil {
			// Leave the state unrecorded so the next check retries.
			return errors.Join(append(errs, toggleErr)...)
		}
	}
	s.reachable = &ok
	return errors.Join(errs...)
}

func (s *Service) refreshAllowList(ctx context.Context) error {
	ips := s.opts.Resolver.ResolveAll(ctx, s.opts.AuthHosts)
	keys := ipKeys(ips)
	if s.allowList != nil && slices.Equal(keys, s.allowList) {
		return nil
	}

	var err error
	if len(ips) == 0 {
		err = s.opts.Gateway.ClearAuthServerPassthrough()
	} else {
		err = s.opts.Gateway.SetAuthServerPassthrough(ips)
	}
	if err != nil {
		return fmt.Errorf("update auth server allow-list: %w", err)
	}

	s.logger.Info("Auth server addresses changed", "addresses", keys)
	s.allowList = keys
	return nil
}

// AuthReachable reports the last ping result and whether any check ran.
func (s *Service) AuthReachable() (reachable, known bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reachable == nil {
		return false, false
	}
	return *s.reachable, true
}

// CheckOnline pings the upstream targets. The gateway counts as online when
// any of them answers.
func (s *Service) CheckOnline(ctx context.Context) error {
	if len(s.opts.OnlineTargets) == 0 {
		return nil
	}

	var lastErr error
	ok := false
	for _, target := range s.opts.OnlineTargets {
		if err := CheckPingFunc(ctx, target); err != nil {
			lastErr = err
			continue
		}
		ok = true
		break
	}
	s.opts.Metrics.SetOnline(ok)

	s.mu.Lock()
	changed := s.online == nil || *s.online != ok
	s.online = &ok
	s.mu.Unlock()

	if changed {
		if ok {
			s.logger.Info("Upstream is reachable")
		} else {
			s.logger.Warn("ALERT: upstream is DOWN", "targets", s.opts.OnlineTargets, "error", lastErr)
		}
	}
	return nil
}

// Online reports the last upstream check result and whether any check ran.
func (s *Service) Online() (online, known bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.online == nil {
		return false, false
	}
	return *s.online, true
}

// CheckPingFunc sends one echo request to ip and waits up to a second for
// the reply. Tests replace it.
var CheckPingFunc = func(ctx context.Context, ip string) error {
	pinger, err := probing.NewPinger(ip)
	if err != nil {
		return fmt.Errorf("failed to create pinger: %w", err)
	}

	pinger.Count = 1
	pinger.Timeout = 1 * time.Second
	pinger.SetPrivileged(false)

	if err := pinger.RunWithContext(ctx); err != nil {
		return err
	}

	if pinger.Statistics().PacketsRecv == 0 {
		return fmt.Errorf("packet loss")
	}
	return nil
}

func ipKeys(ips []net.IP) []string {
	keys := make([]string, 0, len(ips))
	for _, ip := range ips {
		keys = append(keys, ip.String())
	}
	slices.Sort(keys)
	return slices.Compact(keys)
}
