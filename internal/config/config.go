package config

import (
	"fmt"
	"time"
)

// Defaults applied by Parse when an attribute is omitted.
const (
	DefaultCheckInterval  = 60
	DefaultClientTimeout  = 5
	DefaultARPTable       = "/proc/net/arp"
	DefaultTable          = "tollgate"
	DefaultValidationKbps = 512
	DefaultAuthPath       = "/wifidog/"
	DefaultAuthTimeout    = 5
	DefaultAPIListen      = "127.0.0.1:2060"
)

// Config is the top-level gateway configuration.
type Config struct {
	GatewayID     string   `hcl:"gateway_id,optional" json:"gateway_id"`
	CheckInterval int      `hcl:"check_interval,optional" json:"check_interval"` // seconds
	ClientTimeout int      `hcl:"client_timeout,optional" json:"client_timeout"` // multiples of check_interval
	LogLevel      string   `hcl:"log_level,optional" json:"log_level,omitempty"`
	LogJSON       bool     `hcl:"log_json,optional" json:"log_json,omitempty"`
	StateFile     string   `hcl:"state_file,optional" json:"state_file,omitempty"`
	ARPTable      string   `hcl:"arp_table,optional" json:"arp_table"`
	FailOpen      bool     `hcl:"fail_open,optional" json:"fail_open"`
	Nameserver    string   `hcl:"nameserver,optional" json:"nameserver,omitempty"`
	OnlineProbes  []string `hcl:"online_probes,optional" json:"online_probes,omitempty"`

	Gateway     *GatewayConfig  `hcl:"gateway,block" json:"gateway"`
	Firewall    *FirewallConfig `hcl:"firewall,block" json:"firewall,omitempty"`
	AuthServers []AuthServer    `hcl:"auth_server,block" json:"auth_servers,omitempty"`
	API         *ListenConfig   `hcl:"api,block" json:"api,omitempty"`
	Metrics     *ListenConfig   `hcl:"metrics,block" json:"metrics,omitempty"`
	Syslog      *SyslogConfig   `hcl:"syslog,block" json:"syslog,omitempty"`
}

// GatewayConfig describes the captive interface clients connect through.
type GatewayConfig struct {
	Interface string `hcl:"interface" json:"interface"`
	Address   string `hcl:"address,optional" json:"address,omitempty"`
}

// FirewallConfig tunes the nftables backend.
type FirewallConfig struct {
	Table          string `hcl:"table,optional" json:"table"`
	ValidationKbps int    `hcl:"validation_kbps,optional" json:"validation_kbps"`
	FlushConntrack bool   `hcl:"flush_conntrack,optional" json:"flush_conntrack"`
}

// AuthServer is one remote authentication server. Servers are tried in file
// order; a transport failure moves on to the next one.
type AuthServer struct {
	Name     string `hcl:"name,label" json:"name"`
	Hostname string `hcl:"hostname" json:"hostname"`
	Port     int    `hcl:"port,optional" json:"port,omitempty"`
	SSL      bool   `hcl:"ssl,optional" json:"ssl"`
	Path     string `hcl:"path,optional" json:"path"`
	Timeout  int    `hcl:"timeout,optional" json:"timeout"` // seconds
}

// ListenConfig is a plain listen address block.
type ListenConfig struct {
	Listen string `hcl:"listen" json:"listen"`
}

// SyslogConfig enables remote syslog output.
type SyslogConfig struct {
	Host     string `hcl:"host" json:"host"`
	Port     int    `hcl:"port,optional" json:"port,omitempty"`
	Protocol string `hcl:"protocol,optional" json:"protocol,omitempty"`
}

// CheckIntervalDuration returns check_interval as a duration.
func (c *Config) CheckIntervalDuration() time.Duration {
	return time.Duration(c.CheckInterval) * time.Second
}

// ClientTimeoutDuration returns how long a client may stay idle before it is
// logged out: check_interval × client_timeout.
func (c *Config) ClientTimeoutDuration() time.Duration {
	return time.Duration(c.CheckInterval*c.ClientTimeout) * time.Second
}

// RemoteAuth reports whether any auth server is configured.
func (c *Config) RemoteAuth() bool {
	return len(c.AuthServers) > 0
}

// BaseURL returns scheme://host:port/path/ for the server.
func (a AuthServer) BaseURL() string {
	scheme := "http"
	if a.SSL {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d%s", scheme, a.Hostname, a.Port, a.Path)
}

// TimeoutDuration returns the request timeout.
func (a AuthServer) TimeoutDuration() time.Duration {
	return time.Duration(a.Timeout) * time.Second
}

func (c *Config) applyDefaults() {
	if c.CheckInterval == 0 {
		c.CheckInterval = DefaultCheckInterval
	}
	if c.ClientTimeout == 0 {
		c.ClientTimeout = DefaultClientTimeout
	}
	if c.ARPTable == "" {
		c.ARPTable = DefaultARPTable
	}
	if c.GatewayID == "" && c.Gateway != nil {
		c.GatewayID = c.Gateway.Interface
	}
	if c.Firewall == nil {
		c.Firewall = &FirewallConfig{}
	}
	if c.Firewall.Table == "" {
		c.Firewall.Table = DefaultTable
	}
	if c.Firewall.ValidationKbps == 0 {
		c.Firewall.ValidationKbps = DefaultValidationKbps
	}
	if c.API == nil {
		c.API = &ListenConfig{Listen: DefaultAPIListen}
	}
	for i := range c.AuthServers {
		as := &c.AuthServers[i]
		if as.Port == 0 {
			if as.SSL {
				as.Port = 443
			} else {
				as.Port = 80
			}
		}
		if as.Path == "" {
			as.Path = DefaultAuthPath
		}
		if as.Timeout == 0 {
			as.Timeout = DefaultAuthTimeout
		}
	}
}
