package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"text/tabwriter"
	"time"

	"grimm.is/tollgate/internal/api"
)

// ctlClient talks to a running daemon's API.
type ctlClient struct {
	base string
	http *http.Client
}

func newCtlClient(addr string) *ctlClient {
	base := addr
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &ctlClient{
		base: strings.TrimSuffix(base, "/"),
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *ctlClient) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach daemon at %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var e api.ErrorResponse
		if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Error != "" {
			if e.Details != "" {
				return fmt.Errorf("%s: %s", e.Error, e.Details)
			}
			return fmt.Errorf("%s", e.Error)
		}
		return fmt.Errorf("daemon returned %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// RunStatus prints daemon uptime and scheduler task status.
func RunStatus(ctx context.Context, out io.Writer, addr string) error {
	var status api.StatusResponse
	if err := newCtlClient(addr).do(ctx, http.MethodGet, "/api/status", &status); err != nil {
		return err
	}

	fmt.Fprintln(out, "=== Tollgate Status ===")
	fmt.Fprintf(out, "Uptime:   %s\n", status.Uptime)
	fmt.Fprintf(out, "Clients:  %d\n", status.Clients)
	if len(status.Tasks) == 0 {
		return nil
	}

	fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "TASK\tRUNS\tERRORS\tLAST RUN\tLAST ERROR")
	for _, t := range status.Tasks {
		last := "-"
		if !t.LastRun.IsZero() {
			last = t.LastRun.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%s\n", t.ID, t.RunCount, t.ErrorCount, last, t.LastError)
	}
	return w.Flush()
}

// RunClients prints the roster as a table, or as JSON when asJSON is set.
func RunClients(ctx context.Context, out io.Writer, addr string, asJSON bool) error {
	var clients []api.ClientView
	if err := newCtlClient(addr).do(ctx, http.MethodGet, "/api/clients", &clients); err != nil {
		return err
	}

	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(clients)
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "MAC\tIP\tSTATE\tINCOMING\tOUTGOING\tLAST ACTIVE")
	for _, c := range clients {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
			c.MAC, c.IP, c.State, c.Incoming, c.Outgoing, c.LastUpdated.Format(time.RFC3339))
	}
	return w.Flush()
}

// RunLogout asks the daemon to log out the client with the given MAC.
func RunLogout(ctx context.Context, out io.Writer, addr, mac string) error {
	if mac == "" {
		return fmt.Errorf("usage: tollgate logout <mac>")
	}
	path := "/api/clients/" + url.PathEscape(mac) + "/logout"
	if err := newCtlClient(addr).do(ctx, http.MethodPost, path, nil); err != nil {
		return err
	}
	fmt.Fprintf(out, "Logged out %s\n", mac)
	return nil
}
