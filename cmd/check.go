package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"

	"grimm.is/tollgate/internal/config"
)

// RunCheck validates the configuration file and prints a summary to out.
func RunCheck(out io.Writer, configFile string, verbose bool) error {
	if configFile == "" {
		return fmt.Errorf("usage: tollgate check [-v] <config-file>")
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("configuration invalid: %w", err)
	}

	fmt.Fprintln(out, "Configuration valid!")
	fmt.Fprintf(out, "Gateway:       %s on %s\n", cfg.GatewayID, cfg.Gateway.Interface)
	fmt.Fprintf(out, "Auth servers:  %d\n", len(cfg.AuthServers))
	fmt.Fprintf(out, "Idle timeout:  %s\n", cfg.ClientTimeoutDuration())
	if !cfg.RemoteAuth() {
		fmt.Fprintln(out, "Mode:          local-only (no auth server)")
	}

	if verbose {
		fmt.Fprintln(out)
		printSummary(out, cfg)
	}
	return nil
}

func printSummary(out io.Writer, cfg *config.Config) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)

	fmt.Fprintln(w, "AUTH SERVER\tURL\tTIMEOUT")
	for _, as := range cfg.AuthServers {
		fmt.Fprintf(w, "%s\t%s\t%ds\n", as.Name, as.BaseURL(), as.Timeout)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "SETTING\tVALUE")
	fmt.Fprintf(w, "check_interval\t%s\n", cfg.CheckIntervalDuration())
	fmt.Fprintf(w, "client_timeout\t%d\n", cfg.ClientTimeout)
	fmt.Fprintf(w, "fail_open\t%t\n", cfg.FailOpen)
	fmt.Fprintf(w, "firewall.table\t%s\n", cfg.Firewall.Table)
	fmt.Fprintf(w, "firewall.validation_kbps\t%d\n", cfg.Firewall.ValidationKbps)
	fmt.Fprintf(w, "firewall.flush_conntrack\t%t\n", cfg.Firewall.FlushConntrack)
	fmt.Fprintf(w, "arp_table\t%s\n", cfg.ARPTable)
	fmt.Fprintf(w, "api.listen\t%s\n", cfg.API.Listen)
	if cfg.StateFile != "" {
		fmt.Fprintf(w, "state_file\t%s\n", cfg.StateFile)
	}
	if cfg.Metrics != nil {
		fmt.Fprintf(w, "metrics.listen\t%s\n", cfg.Metrics.Listen)
	}
	w.Flush()
}
