// Command nudgectl previews fallback nudges offline and drives the nudge API
// from a terminal.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

type options struct {
	serverURL string
	timeout   time.Duration
}

func newRootCommand() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "nudgectl",
		Short: "nudgectl - preview and request learner nudges",
		Long: `nudgectl talks to a learner nudge server.

preview works offline and prints the AI prompt and the template nudge for a
learner. nudge, stream and status call the server at --server.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.serverURL, "server", "s", getDefaultServer(), "nudge server URL")
	rootCmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 90*time.Second, "request timeout (0 disables it)")

	rootCmd.AddCommand(newPreviewCommand())
	rootCmd.AddCommand(newNudgeCommand(opts))
	rootCmd.AddCommand(newStreamCommand(opts))
	rootCmd.AddCommand(newStatusCommand(opts))

	return rootCmd
}

func getDefaultServer() string {
	if server := os.Getenv("NUDGE_SERVER"); server != "" {
		return server
	}
	return "http://localhost:8080"
}

// --- HTTP client ---

type client struct {
	baseURL string
	http    *http.Client
}

func newClient(opts *options) *client {
	return &client{
		baseURL: strings.TrimRight(opts.serverURL, "/"),
		http:    &http.Client{Timeout: opts.timeout},
	}
}

func (c *client) do(method, path string, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequest(method, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := strings.TrimSpace(string(body))
		if after := resp.Header.Get("Retry-After"); after != "" {
			msg += " (retry after " + after + "s)"
		}
		return nil, fmt.Errorf("server error (%d): %s", resp.StatusCode, msg)
	}
	return resp, nil
}

// printJSON re-indents a JSON body for the terminal.
func printJSON(w io.Writer, body []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, body, "", "  "); err != nil {
		_, err = w.Write(body)
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}
