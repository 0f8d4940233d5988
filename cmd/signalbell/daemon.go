package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"signalbell/internal/config"
	"signalbell/internal/observability"
)

var errNoControl = errors.New("the debug server is disabled; enable [debug] to control the running daemon")

// daemonClient calls the control routes of a running daemon's debug server.
type daemonClient struct {
	base  string
	token string
	http  *http.Client
}

func newDaemonClient(cfg *config.Config) (*daemonClient, error) {
	if !cfg.Debug.Enabled {
		return nil, errNoControl
	}
	addr := strings.TrimSpace(cfg.Debug.Addr)
	if addr == "" {
		addr = observability.DefaultDebugAddr
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("debug.addr: %w", err)
	}
	// a wildcard bind is reachable on loopback
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "127.0.0.1"
	}
	return &daemonClient{
		base:  "http://" + net.JoinHostPort(host, port),
		token: strings.TrimSpace(cfg.Debug.Token),
		http:  &http.Client{Timeout: 5 * time.Second},
	}, nil
}

func (c *daemonClient) post(ctx context.Context, path string, q url.Values, out any) error {
	u := c.base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("daemon unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("daemon: %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *daemonClient) trigger(ctx context.Context, id int64) error {
	return c.post(ctx, "/trigger", url.Values{"id": {strconv.FormatInt(id, 10)}}, nil)
}

func (c *daemonClient) stopPlayback(ctx context.Context) (int, error) {
	var res struct {
		Dropped int `json:"dropped"`
	}
	err := c.post(ctx, "/stop", nil, &res)
	return res.Dropped, err
}

func newSilenceCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "silence",
		Short: "Stop the running daemon's current playback and drop its queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			c, err := newDaemonClient(cfg)
			if err != nil {
				return err
			}
			dropped, err := c.stopPlayback(commandContext(cmd))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s Playback stopped; dropped %d queued\n",
				color.New(color.FgGreen).Sprint("✓"), dropped)
			return nil
		},
	}
}
