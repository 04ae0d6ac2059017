package cmd

import (
	"fmt"
	"io"
	"os"

	"grimm.is/tollgate/internal/config"
	"grimm.is/tollgate/internal/logging"
)

// setupLogging builds the process logger from cfg. A non-empty levelOverride
// wins over log_level. The returned closer releases the syslog connection.
func setupLogging(cfg *config.Config, levelOverride string) (*logging.Logger, io.Closer, error) {
	levelName := cfg.LogLevel
	if levelOverride != "" {
		levelName = levelOverride
	}
	level := logging.LevelInfo
	if levelName != "" {
		l, err := logging.ParseLevel(levelName)
		if err != nil {
			return nil, nil, err
		}
		level = l
	}

	var out io.Writer = os.Stderr
	var closer io.Closer = nopCloser{}
	if cfg.Syslog != nil {
		sc := logging.DefaultSyslogConfig()
		sc.Host = cfg.Syslog.Host
		if cfg.Syslog.Port != 0 {
			sc.Port = cfg.Syslog.Port
		}
		if cfg.Syslog.Protocol != "" {
			sc.Protocol = cfg.Syslog.Protocol
		}
		w, err := logging.NewSyslogWriter(sc)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to syslog: %w", err)
		}
		out = logging.MultiWriter(os.Stderr, w)
		closer = w
	}

	logger := logging.New(logging.Config{Level: level, Output: out, JSON: cfg.LogJSON})
	logging.SetDefault(logger)
	return logger, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
