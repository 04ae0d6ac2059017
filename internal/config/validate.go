package config

import (
	"fmt"
	"net"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validate checks the semantic constraints gohcl cannot express.
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors

	if c.CheckInterval <= 0 {
		errs = append(errs, ValidationError{"check_interval", "must be positive"})
	}
	if c.ClientTimeout <= 0 {
		errs = append(errs, ValidationError{"client_timeout", "must be positive"})
	}

	if c.Gateway == nil {
		errs = append(errs, ValidationError{"gateway", "block is required"})
	} else {
		if c.Gateway.Interface == "" {
			errs = append(errs, ValidationError{"gateway.interface", "is required"})
		}
		if c.Gateway.Address != "" && net.ParseIP(c.Gateway.Address) == nil {
			errs = append(errs, ValidationError{"gateway.address", fmt.Sprintf("invalid IP %q", c.Gateway.Address)})
		}
	}

	seen := make(map[string]bool)
	for _, as := range c.AuthServers {
		field := fmt.Sprintf("auth_server.%s", as.Name)
		if seen[as.Name] {
			errs = append(errs, ValidationError{field, "duplicate name"})
		}
		seen[as.Name] = true
		if as.Hostname == "" {
			errs = append(errs, ValidationError{field + ".hostname", "is required"})
		}
		if as.Port < 1 || as.Port > 65535 {
			errs = append(errs, ValidationError{field + ".port", fmt.Sprintf("out of range: %d", as.Port)})
		}
		if !strings.HasPrefix(as.Path, "/") || !strings.HasSuffix(as.Path, "/") {
			errs = append(errs, ValidationError{field + ".path", "must start and end with /"})
		}
	}

	for _, p := range c.OnlineProbes {
		if strings.TrimSpace(p) == "" {
			errs = append(errs, ValidationError{"online_probes", "empty entry"})
		}
	}

	if c.Nameserver != "" {
		if _, _, err := net.SplitHostPort(c.Nameserver); err != nil {
			errs = append(errs, ValidationError{"nameserver", "must be host:port"})
		}
	}

	if c.Syslog != nil && c.Syslog.Host == "" {
		errs = append(errs, ValidationError{"syslog.host", "is required"})
	}

	return errs
}
