package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/nyashahama/learner-nudge-backend/internal/learner"
	"github.com/nyashahama/learner-nudge-backend/internal/nudge"
	"github.com/nyashahama/learner-nudge-backend/internal/sse"
)

// ─── preview ──────────────────────────────────────────────────────────────────

func newPreviewCommand() *cobra.Command {
	var (
		snap   learner.Snapshot
		risk   string
		prompt bool
	)

	cmd := &cobra.Command{
		Use:   "preview",
		Short: "Print the template nudge (and optionally the AI prompt) for a learner",
		Example: `  nudgectl preview --name "Ana Lee" --completion 40 --quiz 70 --missed 1 --risk medium
  nudgectl preview --name Sam --completion 12 --risk high --prompt`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			snap.RiskLabel = learner.RiskLabel(risk)
			if err := snap.Validate(); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if prompt {
				fmt.Fprintf(out, "--- prompt ---\n%s\n\n--- template ---\n", nudge.BuildPrompt(snap))
			}
			fmt.Fprintln(out, nudge.Fallback(snap, "preview"))
			return nil
		},
	}

	cmd.Flags().Int64Var(&snap.ID, "id", 1, "learner id")
	cmd.Flags().StringVar(&snap.Name, "name", "", "learner name")
	cmd.Flags().Float64Var(&snap.CompletionPct, "completion", 0, "course completion percent [0,100]")
	cmd.Flags().Float64Var(&snap.QuizAvg, "quiz", 0, "quiz average [0,100]")
	cmd.Flags().IntVar(&snap.MissedSessions, "missed", 0, "missed sessions")
	cmd.Flags().StringVar(&risk, "risk", string(learner.RiskLow), "risk label: low, medium, high")
	cmd.Flags().BoolVar(&prompt, "prompt", false, "also print the AI prompt")

	return cmd
}

// ─── nudge ────────────────────────────────────────────────────────────────────

func newNudgeCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "nudge <learner-id>",
		Short: "Generate a nudge and print the JSON response",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseLearnerID(args[0])
			if err != nil {
				return err
			}

			resp, err := newClient(opts).do(http.MethodPost, fmt.Sprintf("/api/learners/%d/nudges", id), nil)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("failed to read response: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), body)
		},
	}
}

// ─── stream ───────────────────────────────────────────────────────────────────

func newStreamCommand(opts *options) *cobra.Command {
	var raw bool

	cmd := &cobra.Command{
		Use:   "stream <learner-id>",
		Short: "Generate a nudge over server-sent events and print frames as they arrive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseLearnerID(args[0])
			if err != nil {
				return err
			}

			resp, err := newClient(opts).do(http.MethodPost, fmt.Sprintf("/api/learners/%d/nudges", id),
				map[string]string{"Accept": "text/event-stream"})
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			return printStream(cmd.OutOrStdout(), resp.Body, raw)
		},
	}

	cmd.Flags().BoolVar(&raw, "raw", false, "print each frame as a JSON line")
	return cmd
}

// printStream prints frames until a terminal one. A stream that ends without
// a terminal frame is an error.
func printStream(out io.Writer, body io.Reader, raw bool) error {
	r := sse.NewReader(body)
	for {
		e, err := nudge.ReadEvent(r)
		if errors.Is(err, io.EOF) {
			return errors.New("stream ended without a complete frame")
		}
		if err != nil {
			return err
		}

		if raw {
			line, err := json.Marshal(e)
			if err != nil {
				return fmt.Errorf("failed to encode frame: %w", err)
			}
			fmt.Fprintf(out, "%s\n", line)
		} else {
			printEvent(out, e)
		}

		if e.Terminal() {
			if e.Type == nudge.EventError {
				return fmt.Errorf("nudge failed: %s", e.Message)
			}
			return nil
		}
	}
}

func printEvent(out io.Writer, e nudge.Event) {
	switch e.Type {
	case nudge.EventStart:
		fmt.Fprintf(out, "[start] learner %d, request %s\n", e.LearnerID, e.RequestID)
	case nudge.EventChunk:
		fmt.Fprint(out, e.Delta)
	case nudge.EventError:
		fmt.Fprintf(out, "\n[error] %s\n", e.Message)
	case nudge.EventComplete:
		fmt.Fprintf(out, "\n[complete] nudge %d (%s): %s\n", e.NudgeID, e.Source, e.Text)
	}
}

// ─── status ───────────────────────────────────────────────────────────────────

func newStatusCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the AI circuit breaker status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := newClient(opts).do(http.MethodGet, "/api/ai/status", nil)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("failed to read response: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), body)
		},
	}
}

func parseLearnerID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid learner id %q", s)
	}
	return id, nil
}
