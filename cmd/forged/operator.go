package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/SunFlash12/ForgeV3-sub006/pkg/api"
	"github.com/SunFlash12/ForgeV3-sub006/pkg/eventbus"
	"github.com/SunFlash12/ForgeV3-sub006/pkg/overlay"
	"github.com/SunFlash12/ForgeV3-sub006/pkg/supervisor"
)

// client talks to a running forged over its HTTP API.
type client struct {
	base  string
	token string
	http  *http.Client
}

type clientOptions struct {
	server  string
	token   string
	timeout time.Duration
}

func addClientFlags(cmd *cobra.Command, o *clientOptions) {
	server := os.Getenv("FORGE_SERVER")
	if server == "" {
		server = "http://localhost:8080"
	}
	cmd.PersistentFlags().StringVar(&o.server, "server", server, "forged API base URL")
	cmd.PersistentFlags().StringVar(&o.token, "token", os.Getenv("FORGE_TOKEN"), "bearer trust token")
	cmd.PersistentFlags().DurationVar(&o.timeout, "timeout", 10*time.Second, "request timeout")
}

func (o *clientOptions) client() *client {
	return &client{
		base:  strings.TrimSuffix(o.server, "/"),
		token: o.token,
		http:  &http.Client{Timeout: o.timeout},
	}
}

// do sends a request and decodes a JSON body into out. Problem responses
// become errors carrying the server's detail; callers that accept other
// statuses check the returned code.
func (c *client) do(ctx context.Context, method, path string, out any) (int, error) {
	return c.send(ctx, method, path, nil, out)
}

// send is do with a JSON request body; a nil in sends none.
func (c *client) send(ctx context.Context, method, path string, in, out any) (int, error) {
	var reqBody io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reqBody)
	if err != nil {
		return 0, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return resp.StatusCode, err
	}
	ct := resp.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "application/problem+json") {
		var p api.ProblemDetail
		if err := json.Unmarshal(body, &p); err != nil {
			return resp.StatusCode, fmt.Errorf("%s %s: %s", method, path, resp.Status)
		}
		return resp.StatusCode, &p
	}
	if resp.StatusCode >= 300 && !strings.HasPrefix(ct, "application/json") {
		return resp.StatusCode, fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func newHealthCommand(opts *rootOptions) *cobra.Command {
	co := &clientOptions{}
	var ready bool
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check a running server's health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := "/healthz"
			if ready {
				path = "/readyz"
			}
			var report map[string]any
			status, err := co.client().do(cmd.Context(), http.MethodGet, path, &report)
			if err != nil {
				return err
			}
			if opts.format == "json" {
				if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
					return err
				}
			} else {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "status: %v ready: %v\n", report["status"], report["ready"])
			}
			if status != http.StatusOK {
				return fmt.Errorf("server reports %v", report["status"])
			}
			return nil
		},
	}
	addClientFlags(cmd, co)
	cmd.Flags().BoolVar(&ready, "ready", false, "check readiness instead of liveness")
	return cmd
}

func newOverlaysCommand(opts *rootOptions) *cobra.Command {
	co := &clientOptions{}
	cmd := &cobra.Command{Use: "overlays", Short: "Inspect, release and roll out overlays"}
	addClientFlags(cmd, co)

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List loaded overlays",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var body struct {
				Overlays []overlay.Info `json:"overlays"`
			}
			if _, err := co.client().do(cmd.Context(), http.MethodGet, "/v1/overlays", &body); err != nil {
				return err
			}
			if opts.format == "json" {
				return writeJSON(cmd.OutOrStdout(), body.Overlays)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "NAME\tVERSION\tVARIANT\tSTATE\tFAILURES\tREASON")
			for _, o := range body.Overlays {
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
					o.Name, o.Version, o.Variant, o.State, o.Health.ConsecutiveFailures, o.QuarantineReason)
			}
			return tw.Flush()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "release <name>",
		Short: "Re-admit a quarantined overlay",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var body struct {
				Released []string `json:"released"`
			}
			path := "/v1/overlays/" + url.PathEscape(args[0]) + "/release"
			if _, err := co.client().do(cmd.Context(), http.MethodPost, path, &body); err != nil {
				return err
			}
			if opts.format == "json" {
				return writeJSON(cmd.OutOrStdout(), body)
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "released: %s\n", strings.Join(body.Released, ", "))
			return err
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "canary <name> <percent>",
		Short: "Set a running canary's traffic share; 100 promotes it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pct, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("percent %q: %w", args[1], err)
			}
			var body struct {
				Decision supervisor.Decision      `json:"decision"`
				Rollout  supervisor.CanaryRollout `json:"rollout"`
			}
			path := "/v1/overlays/" + url.PathEscape(args[0]) + "/canary"
			in := api.CanaryPercentRequest{Percent: &pct}
			if _, err := co.client().send(cmd.Context(), http.MethodPost, path, in, &body); err != nil {
				return err
			}
			if opts.format == "json" {
				return writeJSON(cmd.OutOrStdout(), body)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s %s -> %s at %g%%: %s\n",
				args[0], body.Rollout.OldVersion, body.Rollout.NewVersion, body.Rollout.Percent, body.Decision)
			return err
		},
	})
	return cmd
}

func newDeadLettersCommand(opts *rootOptions) *cobra.Command {
	co := &clientOptions{}
	cmd := &cobra.Command{Use: "deadletters", Short: "Inspect and requeue dead letters"}
	addClientFlags(cmd, co)

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List dead letters, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var body struct {
				DeadLetters []eventbus.DeadLetter `json:"dead_letters"`
			}
			path := "/v1/deadletters?limit=" + strconv.Itoa(limit)
			if _, err := co.client().do(cmd.Context(), http.MethodGet, path, &body); err != nil {
				return err
			}
			if opts.format == "json" {
				return writeJSON(cmd.OutOrStdout(), body.DeadLetters)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "ID\tEVENT\tSUBSCRIBER\tATTEMPTS\tLAST FAILURE\tERROR")
			for _, dl := range body.DeadLetters {
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
					dl.ID, dl.Event.Type, dl.Subscriber, dl.Attempts, dl.LastFailedAt.Format(time.RFC3339), dl.LastError)
			}
			return tw.Flush()
		},
	}
	list.Flags().IntVar(&limit, "limit", 100, "maximum entries to list")
	cmd.AddCommand(list)

	cmd.AddCommand(&cobra.Command{
		Use:   "requeue <id>",
		Short: "Redeliver one dead letter to its subscriber",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/v1/deadletters/" + url.PathEscape(args[0]) + "/requeue"
			if _, err := co.client().do(cmd.Context(), http.MethodPost, path, nil); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "requeued %s\n", args[0])
			return err
		},
	})
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
