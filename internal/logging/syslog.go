package logging

import (
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"
)

// SyslogConfig holds syslog remote server configuration.
type SyslogConfig struct {
	Host     string // Remote syslog server hostname or IP
	Port     int    // default 514
	Protocol string // udp or tcp (default: udp)
	Tag      string // default: tollgate
	Facility int    // default 3 (daemon)
}

// DefaultSyslogConfig returns sensible defaults.
func DefaultSyslogConfig() SyslogConfig {
	return SyslogConfig{
		Port:     514,
		Protocol: "udp",
		Tag:      "tollgate",
		Facility: 3, // LOG_DAEMON
	}
}

// SyslogWriter implements io.Writer and sends lines to a remote syslog server
// in RFC 3164 framing.
type SyslogWriter struct {
	mu       sync.Mutex
	conn     net.Conn
	config   SyslogConfig
	hostname string
	dial     func(network, addr string) (net.Conn, error)
}

// NewSyslogWriter creates a new syslog writer.
func NewSyslogWriter(cfg SyslogConfig) (*SyslogWriter, error) {
	return newSyslogWriter(cfg, func(network, addr string) (net.Conn, error) {
		return net.DialTimeout(network, addr, 5*time.Second)
	})
}

func newSyslogWriter(cfg SyslogConfig, dial func(network, addr string) (net.Conn, error)) (*SyslogWriter, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("syslog host is required")
	}
	defaults := DefaultSyslogConfig()
	if cfg.Port == 0 {
		cfg.Port = defaults.Port
	}
	if cfg.Protocol == "" {
		cfg.Protocol = defaults.Protocol
	}
	if cfg.Tag == "" {
		cfg.Tag = defaults.Tag
	}
	if cfg.Facility == 0 {
		cfg.Facility = defaults.Facility
	}

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = cfg.Tag
	}

	w := &SyslogWriter{config: cfg, hostname: hostname, dial: dial}
	conn, err := dial(cfg.Protocol, w.addr())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to syslog server %s: %w", w.addr(), err)
	}
	w.conn = conn
	return w, nil
}

func (w *SyslogWriter) addr() string {
	return net.JoinHostPort(w.config.Host, fmt.Sprintf("%d", w.config.Port))
}

// Write implements io.Writer. Severity is fixed at INFO; the level is already
// part of the formatted line.
func (w *SyslogWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn == nil {
		if err := w.reconnect(); err != nil {
			return 0, err
		}
	}

	priority := w.config.Facility*8 + 6
	msg := fmt.Sprintf("<%d>%s %s %s: %s", priority, time.Now().Format(time.Stamp), w.hostname, w.config.Tag, p)
	if _, err := w.conn.Write([]byte(msg)); err != nil {
		w.conn.Close()
		w.conn = nil
		return 0, err
	}
	return len(p), nil
}

func (w *SyslogWriter) reconnect() error {
	conn, err := w.dial(w.config.Protocol, w.addr())
	if err != nil {
		return fmt.Errorf("syslog reconnect: %w", err)
	}
	w.conn = conn
	return nil
}

// Close closes the syslog connection.
func (w *SyslogWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn != nil {
		err := w.conn.Close()
		w.conn = nil
		return err
	}
	return nil
}

// MultiWriter combines multiple io.Writers (e.g., stderr + syslog).
func MultiWriter(writers ...io.Writer) io.Writer {
	return io.MultiWriter(writers...)
}
