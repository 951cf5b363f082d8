package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/rollcall/internal/csvstore"
	"github.com/roach88/rollcall/internal/store"
)

// ImportOptions holds flags for the import command.
type ImportOptions struct {
	*RootOptions
	Replace bool
}

// ImportResult summarizes an import.
type ImportResult struct {
	Source   string `json:"source"`
	Imported int    `json:"imported"`
	Replaced int    `json:"replaced"`
	Skipped  int    `json:"skipped"`
}

// NewImportCommand creates the import command.
func NewImportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ImportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "import <students.csv>",
		Short: "Copy a students CSV into the configured ledger",
		Long: `Copy students from a CSV file into the configured ledger. Both the
current column layout and the legacy one (id,name,major,starting_year,
total_attendance,year,last_attendance_time) are read.

Students already in the ledger are skipped unless --replace is given.
Run this while the server is stopped: the server owns the ledger.

Example:
  rollcall import old/students.csv
  rollcall import old/students.csv --replace`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(cmd.Context(), opts, cmd, args[0])
		},
	}

	cmd.Flags().BoolVar(&opts.Replace, "replace", false, "overwrite students that already exist")

	return cmd
}

func runImport(ctx context.Context, opts *ImportOptions, cmd *cobra.Command, path string) error {
	out := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	loc, err := cfg.Location()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid timezone", err)
	}

	f, err := os.Open(path)
	if err != nil {
		return NewExitError(ExitCommandError, fmt.Sprintf("source file not found: %s", path))
	}
	recs, err := csvstore.ReadStudents(f, loc)
	f.Close()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read "+path, err)
	}

	b, err := openBackend(cfg)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open ledger", err)
	}
	defer b.Close()

	if ctx == nil {
		ctx = context.Background()
	}

	res := ImportResult{Source: path}
	for _, rec := range recs {
		_, err := b.Ledger.Get(ctx, rec.ID)
		exists := err == nil
		if err != nil && !errors.Is(err, store.ErrNotFound) && !errors.Is(err, csvstore.ErrNotFound) {
			return WrapExitError(ExitCommandError, "failed to read ledger", err)
		}
		if exists && !opts.Replace {
			res.Skipped++
			out.VerboseLog("skip %d (%s): already enrolled", rec.ID, rec.Name)
			continue
		}
		if err := b.Ledger.Upsert(ctx, rec); err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("failed to write student %d", rec.ID), err)
		}
		if exists {
			res.Replaced++
		} else {
			res.Imported++
		}
	}

	slog.Info("import finished", "source", path, "imported", res.Imported, "replaced", res.Replaced, "skipped", res.Skipped)
	return out.Success(res, func(w io.Writer) {
		fmt.Fprintf(w, "Imported %d, replaced %d, skipped %d from %s\n", res.Imported, res.Replaced, res.Skipped, path)
	})
}
