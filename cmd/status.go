package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/tracevia/internal/engine"
)

var apiAddr string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show monitor status",
	Long: `Query a running monitor over its HTTP API for its overall status.

Shows: lifecycle state, run id, surface, frames read, emitted and dropped.
The address defaults to metrics.listen of the loaded configuration.`,
	Run: func(cmd *cobra.Command, args []string) {
		addr, err := resolveAPIAddr()
		if err != nil {
			exitWithError("failed to resolve monitor address", err)
		}
		if err := runStatus(cmd.Context(), addr, cmd.OutOrStdout()); err != nil {
			exitWithError("monitor is not running or unreachable", err)
		}
	},
}

func init() {
	statusCmd.Flags().StringVarP(&apiAddr, "addr", "a", "", "monitor HTTP address, host:port")
	dialogsCmd.Flags().StringVarP(&apiAddr, "addr", "a", "", "monitor HTTP address, host:port")
}

func runStatus(ctx context.Context, addr string, w io.Writer) error {
	var st engine.Status
	if err := fetch(ctx, addr, "/api/status", &st); err != nil {
		return err
	}
	resultJSON, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("format result: %w", err)
	}
	fmt.Fprintln(w, string(resultJSON))
	return nil
}

// resolveAPIAddr picks --addr or the configured listen address. A listen
// address without a host is reached on loopback.
func resolveAPIAddr() (string, error) {
	if apiAddr != "" {
		return apiAddr, nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	host, port, err := net.SplitHostPort(cfg.Metrics.Listen)
	if err != nil {
		return "", err
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port), nil
}

var apiClient = &http.Client{Timeout: 10 * time.Second}

// fetch GETs path from the monitor at addr and decodes the JSON body into out.
func fetch(ctx context.Context, addr, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+path, nil)
	if err != nil {
		return err
	}
	resp, err := apiClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return json.NewDecoder(resp.Body).Decode(out)
	case http.StatusNoContent:
		return nil
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s: status %d: %s", path, resp.StatusCode, body)
	}
}
