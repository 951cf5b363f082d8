package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/roach88/rollcall/internal/csvstore"
	"github.com/roach88/rollcall/internal/model"
	"github.com/roach88/rollcall/internal/store"
)

// ListOptions holds flags for the list command.
type ListOptions struct {
	*RootOptions
	Search string
}

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ListOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "list [id]",
		Short: "Show the ledger",
		Long: `Show every student in the ledger, or one student in detail.
With --search only students whose id, name, group, email, phone or last
attendance contains the text (ignoring case) are shown.

Reads the configured store directly; no server is needed.

Example:
  rollcall list
  rollcall list --search 3b
  rollcall list 100000 --format json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(cmd.Context(), opts, cmd, args)
		},
	}

	cmd.Flags().StringVar(&opts.Search, "search", "", "only students matching this text")

	return cmd
}

func runList(ctx context.Context, opts *ListOptions, cmd *cobra.Command, args []string) error {
	out := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	b, err := openBackend(cfg)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open ledger", err)
	}
	defer b.Close()

	if ctx == nil {
		ctx = context.Background()
	}

	if len(args) == 1 {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		rec, err := b.Ledger.Get(ctx, id)
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, csvstore.ErrNotFound) {
			_ = out.Error("E_NOT_FOUND", fmt.Sprintf("student %d not found", id), nil)
			return NewExitError(ExitFailure, fmt.Sprintf("student %d not found", id))
		}
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read ledger", err)
		}
		return out.Success(rec, func(w io.Writer) { printRecord(w, rec) })
	}

	all, err := b.Ledger.List(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read ledger", err)
	}
	q := model.NewQuery(opts.Search)
	recs := []model.StudentRecord{}
	for _, r := range all {
		if q.MatchStudent(r) {
			recs = append(recs, r)
		}
	}
	return out.Success(recs, func(w io.Writer) {
		if len(recs) == 0 {
			if q.Empty() {
				fmt.Fprintln(w, "No students enrolled.")
			} else {
				fmt.Fprintf(w, "No students match %q.\n", opts.Search)
			}
			return
		}
		rows := make([][]string, 0, len(recs))
		for _, r := range recs {
			last := model.FormatTime(r.LastAttendanceTime)
			if last == "" {
				last = "-"
			}
			rows = append(rows, []string{
				strconv.FormatInt(r.ID, 10), r.Name, r.Group,
				strconv.Itoa(r.Year), strconv.Itoa(r.TotalAttendance), last,
			})
		}
		table(w, []string{"ID", "NAME", "GROUP", "YEAR", "TOTAL", "LAST ATTENDANCE"}, rows)
	})
}

// HistoryOptions holds flags for the history command.
type HistoryOptions struct {
	*RootOptions
	Student int64
	Limit   int
	Search  string
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show the attendance history",
		Long: `Show attendance history in append order, optionally for one student.
With --search only rows whose student id, name, status, time or flags
contain the text (ignoring case) are shown. With --limit only the most
recent rows are shown.

Example:
  rollcall history --student 100000 --limit 20
  rollcall history --search too-soon`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().Int64Var(&opts.Student, "student", 0, "only rows for this student id")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "show only the last N rows (0 for all)")
	cmd.Flags().StringVar(&opts.Search, "search", "", "only rows matching this text")

	return cmd
}

func runHistory(ctx context.Context, opts *HistoryOptions, cmd *cobra.Command) error {
	out := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())
	if opts.Limit < 0 {
		return NewExitError(ExitCommandError, "--limit must not be negative")
	}
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	b, err := openBackend(cfg)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open history", err)
	}
	defer b.Close()

	if ctx == nil {
		ctx = context.Background()
	}

	q := model.NewQuery(opts.Search)
	events := []model.AttendanceEvent{}
	for ev, err := range b.History.Scan(ctx) {
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read history", err)
		}
		if opts.Student != 0 && ev.StudentID != opts.Student {
			continue
		}
		if !q.MatchEvent(ev) {
			continue
		}
		events = append(events, ev)
		if opts.Limit > 0 && len(events) > opts.Limit {
			events = events[1:]
		}
	}

	return out.Success(events, func(w io.Writer) {
		if len(events) == 0 {
			fmt.Fprintln(w, "No history.")
			return
		}
		rows := make([][]string, 0, len(events))
		for _, ev := range events {
			rows = append(rows, []string{
				strconv.FormatInt(ev.Seq, 10),
				model.FormatTime(&ev.Timestamp),
				strconv.FormatInt(ev.StudentID, 10),
				ev.Name,
				string(ev.Status),
				ev.SnapshotRef,
				model.JoinFlags(ev.Flags),
			})
		}
		table(w, []string{"SEQ", "TIME", "ID", "NAME", "STATUS", "SNAPSHOT", "FLAGS"}, rows)
	})
}
