package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/rollcall/internal/api"
	"github.com/roach88/rollcall/internal/edit"
	"github.com/roach88/rollcall/internal/model"
)

// clientTimeout bounds a single CLI request to the server.
const clientTimeout = 30 * time.Second

// newClient returns a client for the configured server.
func (o *RootOptions) newClient() (*api.Client, error) {
	addr, err := o.serverAddr()
	if err != nil {
		return nil, err
	}
	return api.NewClient(addr), nil
}

// clientError maps a client failure to an exit code: server refusals are
// failures, transport problems are command errors.
func clientError(f *OutputFormatter, op string, err error) error {
	var apiErr *api.APIError
	if errors.As(err, &apiErr) {
		code := "E_REJECTED"
		if apiErr.Status == 404 {
			code = "E_NOT_FOUND"
		}
		var details any
		if len(apiErr.Fields) > 0 {
			details = apiErr.Fields
		}
		_ = f.Error(code, apiErr.Message, details)
		return WrapExitError(ExitFailure, op+" failed", err)
	}
	_ = f.Error("E_SERVER", err.Error(), nil)
	return WrapExitError(ExitCommandError, op+" failed", err)
}

// EnrollOptions holds flags for the enroll command.
type EnrollOptions struct {
	*RootOptions
	Request edit.Enrollment
}

// NewEnrollCommand creates the enroll command.
func NewEnrollCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EnrollOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "enroll",
		Short: "Add a student",
		Long: `Add a student through a running server. The server assigns the id.

Example:
  rollcall enroll --name "Ana Ruiz" --group 3B --starting-year 2024 --year 2`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEnroll(cmd.Context(), opts, cmd)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.Request.Name, "name", "", "student name (required)")
	f.StringVar(&opts.Request.Group, "group", "", "group or class (required)")
	f.IntVar(&opts.Request.StartingYear, "starting-year", 0, "year the student started")
	f.IntVar(&opts.Request.Year, "year", 1, "current year of study")
	f.StringVar(&opts.Request.Email, "email", "", "contact email")
	f.StringVar(&opts.Request.Phone, "phone", "", "contact phone")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("group")

	return cmd
}

func runEnroll(ctx context.Context, opts *EnrollOptions, cmd *cobra.Command) error {
	out := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())
	client, err := opts.newClient()
	if err != nil {
		return err
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rec, err := client.Enroll(ctx, opts.Request)
	if err != nil {
		return clientError(out, "enroll", err)
	}
	return out.Success(rec, func(w io.Writer) {
		fmt.Fprintf(w, "Enrolled %s as %d\n", rec.Name, rec.ID)
	})
}

// UpdateOptions holds flags for the update command.
type UpdateOptions struct {
	*RootOptions

	name, group, email, phone string
	startingYear, year, total int
	lastAttendance            string
}

// NewUpdateCommand creates the update command.
func NewUpdateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &UpdateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Edit a student",
		Long: `Edit fields of a student through a running server. Only the flags given
are changed. Attendance counters can only move forward.

Example:
  rollcall update 100000 --group 3C
  rollcall update 100000 --total-attendance 12 --last-attendance "2026-03-02 08:15:00"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUpdate(cmd.Context(), opts, cmd, args[0])
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.name, "name", "", "student name")
	f.StringVar(&opts.group, "group", "", "group or class")
	f.IntVar(&opts.startingYear, "starting-year", 0, "year the student started")
	f.IntVar(&opts.year, "year", 0, "current year of study")
	f.StringVar(&opts.email, "email", "", "contact email")
	f.StringVar(&opts.phone, "phone", "", "contact phone")
	f.IntVar(&opts.total, "total-attendance", 0, "attendance counter")
	f.StringVar(&opts.lastAttendance, "last-attendance", "", `last attendance time ("2006-01-02 15:04:05")`)

	return cmd
}

// patch builds the update from the flags that were set.
func (o *UpdateOptions) patch(cmd *cobra.Command) (edit.Patch, error) {
	var p edit.Patch
	changed := cmd.Flags().Changed
	if changed("name") {
		p.Name = &o.name
	}
	if changed("group") {
		p.Group = &o.group
	}
	if changed("starting-year") {
		p.StartingYear = &o.startingYear
	}
	if changed("year") {
		p.Year = &o.year
	}
	if changed("email") {
		p.Email = &o.email
	}
	if changed("phone") {
		p.Phone = &o.phone
	}
	if changed("total-attendance") {
		p.TotalAttendance = &o.total
	}
	if changed("last-attendance") {
		t, err := parseTimeFlag(o.lastAttendance)
		if err != nil {
			return edit.Patch{}, fmt.Errorf("--last-attendance: %w", err)
		}
		p.LastAttendanceTime = &t
	}
	return p, nil
}

func runUpdate(ctx context.Context, opts *UpdateOptions, cmd *cobra.Command, arg string) error {
	out := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())
	id, err := parseID(arg)
	if err != nil {
		return err
	}
	p, err := opts.patch(cmd)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid flags", err)
	}
	if p.Empty() {
		return NewExitError(ExitCommandError, "nothing to update: pass at least one field flag")
	}

	client, err := opts.newClient()
	if err != nil {
		return err
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rec, err := client.Update(ctx, id, p)
	if err != nil {
		return clientError(out, "update", err)
	}
	return out.Success(rec, func(w io.Writer) {
		printRecord(w, rec)
	})
}

// NewRemoveCommand creates the remove command.
func NewRemoveCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Delete a student",
		Long: `Delete a student through a running server. Snapshots and enrollment
images for the student are removed as well. History rows are kept.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(rootOpts, cmd.OutOrStdout(), cmd.ErrOrStderr())
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			client, err := rootOpts.newClient()
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd.Context())
			defer cancel()

			if err := client.Remove(ctx, id); err != nil {
				return clientError(out, "remove", err)
			}
			return out.Success(map[string]int64{"removed": id}, func(w io.Writer) {
				fmt.Fprintf(w, "Removed %d\n", id)
			})
		},
	}
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, NewExitError(ExitCommandError, fmt.Sprintf("invalid student id %q", s))
	}
	return id, nil
}

// parseTimeFlag accepts the ledger layout in local time or RFC 3339.
func parseTimeFlag(s string) (time.Time, error) {
	if t, err := time.ParseInLocation(model.TimeLayout, s, time.Local); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, clientTimeout)
}

func printRecord(w io.Writer, rec model.StudentRecord) {
	fmt.Fprintf(w, "%d  %s\n", rec.ID, rec.Name)
	fmt.Fprintf(w, "  group:            %s\n", rec.Group)
	fmt.Fprintf(w, "  starting year:    %d\n", rec.StartingYear)
	fmt.Fprintf(w, "  year:             %d\n", rec.Year)
	if rec.Email != "" {
		fmt.Fprintf(w, "  email:            %s\n", rec.Email)
	}
	if rec.Phone != "" {
		fmt.Fprintf(w, "  phone:            %s\n", rec.Phone)
	}
	fmt.Fprintf(w, "  total attendance: %d\n", rec.TotalAttendance)
	last := model.FormatTime(rec.LastAttendanceTime)
	if last == "" {
		last = "never"
	}
	fmt.Fprintf(w, "  last attendance:  %s\n", last)
}
