package cli

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/rollcall/internal/api"
)

// ObserveOptions holds flags for the observe command.
type ObserveOptions struct {
	*RootOptions
	Candidate  int64
	Confidence float64
	Frame      string // image file
	Region     string // x,y,w,h
	At         string
}

// NewObserveCommand creates the observe command.
func NewObserveCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ObserveOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "observe",
		Short: "Submit a recognition result",
		Long: `Submit one recognition result to a running server, as the camera
pipeline would. Omit --candidate for a face that matched nobody.

Exit codes:
  0 - attendance recorded
  1 - observation rejected or failed
  2 - command error

Example:
  rollcall observe --candidate 100000 --confidence 42.5 --frame face.jpg
  rollcall observe --candidate 100000 --confidence 42.5 --at "2026-03-02 08:00:00"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runObserve(cmd.Context(), opts, cmd)
		},
	}

	f := cmd.Flags()
	f.Int64Var(&opts.Candidate, "candidate", 0, "matched student id")
	f.Float64Var(&opts.Confidence, "confidence", 0, "matcher confidence")
	f.StringVar(&opts.Frame, "frame", "", "JPEG or PNG frame to archive as the snapshot")
	f.StringVar(&opts.Region, "region", "", "face region within the frame as x,y,w,h")
	f.StringVar(&opts.At, "at", "", "observation time (default now)")

	return cmd
}

// request builds the observation body from the flags.
func (o *ObserveOptions) request(cmd *cobra.Command) (api.ObservationRequest, error) {
	req := api.ObservationRequest{Confidence: o.Confidence}
	if cmd.Flags().Changed("candidate") {
		id := o.Candidate
		req.CandidateID = &id
	}
	if o.At != "" {
		t, err := parseTimeFlag(o.At)
		if err != nil {
			return req, fmt.Errorf("--at: %w", err)
		}
		req.Timestamp = &t
	}
	if o.Frame != "" {
		data, err := os.ReadFile(o.Frame)
		if err != nil {
			return req, fmt.Errorf("--frame: %w", err)
		}
		req.Frame = base64.StdEncoding.EncodeToString(data)
	}
	if o.Region != "" {
		r, err := parseRegion(o.Region)
		if err != nil {
			return req, fmt.Errorf("--region: %w", err)
		}
		req.Region = r
	}
	return req, nil
}

func runObserve(ctx context.Context, opts *ObserveOptions, cmd *cobra.Command) error {
	out := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())
	req, err := opts.request(cmd)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid flags", err)
	}

	client, err := opts.newClient()
	if err != nil {
		return err
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	res, err := client.Observe(ctx, req)
	if err != nil {
		return clientError(out, "observe", err)
	}

	if err := out.Success(res, func(w io.Writer) { printOutcome(w, res) }); err != nil {
		return err
	}
	if res.Outcome != "recorded" {
		return NewExitError(ExitFailure, "observation "+res.Outcome)
	}
	return nil
}

func printOutcome(w io.Writer, res api.OutcomeResponse) {
	switch res.Outcome {
	case "recorded":
		fmt.Fprintf(w, "recorded %d", res.StudentID)
		if res.Record != nil {
			fmt.Fprintf(w, " (%s, total %d)", res.Record.Name, res.Record.TotalAttendance)
		}
		if res.Event != nil && len(res.Event.Flags) > 0 {
			fmt.Fprintf(w, " [%s]", strings.Join(res.Event.Flags, ","))
		}
		fmt.Fprintln(w)
	case "rejected":
		fmt.Fprintf(w, "rejected %d: %s\n", res.StudentID, res.Reason)
	default:
		fmt.Fprintf(w, "%s %d: %s\n", res.Outcome, res.StudentID, res.Error)
	}
}

func parseRegion(s string) (*api.RegionRequest, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return nil, fmt.Errorf("want x,y,w,h, got %q", s)
	}
	var v [4]int
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("want x,y,w,h, got %q", s)
		}
		v[i] = n
	}
	if v[2] <= 0 || v[3] <= 0 {
		return nil, fmt.Errorf("width and height must be positive")
	}
	return &api.RegionRequest{X: v[0], Y: v[1], Width: v[2], Height: v[3]}, nil
}
