package cli

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/roach88/rollcall/internal/config"
	"github.com/roach88/rollcall/internal/csvstore"
	"github.com/roach88/rollcall/internal/engine"
	"github.com/roach88/rollcall/internal/model"
	"github.com/roach88/rollcall/internal/store"
)

// backend is the configured ledger and history pair.
type backend struct {
	Ledger  engine.Ledger
	History interface {
		engine.History
		Scan(ctx context.Context) iter.Seq2[model.AttendanceEvent, error]
	}
	close func() error
}

// Close releases the underlying files or database.
func (b *backend) Close() error {
	if b.close == nil {
		return nil
	}
	return b.close()
}

// openBackend opens the ledger and history selected by cfg.Ledger.Backend.
func openBackend(cfg *config.Config) (*backend, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	switch cfg.Ledger.Backend {
	case config.BackendCSV:
		ledger, err := csvstore.OpenLedger(cfg.Ledger.Path,
			csvstore.WithLocation(loc),
			csvstore.WithIDBase(cfg.IDBase),
		)
		if err != nil {
			return nil, fmt.Errorf("open ledger: %w", err)
		}
		history, err := csvstore.OpenHistory(cfg.Ledger.HistoryPath, csvstore.WithHistoryLocation(loc))
		if err != nil {
			return nil, fmt.Errorf("open history: %w", err)
		}
		slog.Debug("opened csv backend", "ledger", cfg.Ledger.Path, "history", cfg.Ledger.HistoryPath)
		return &backend{
			Ledger:  ledger,
			History: history,
			close: func() error {
				herr := history.Close()
				if err := ledger.Close(); err != nil {
					return err
				}
				return herr
			},
		}, nil

	default:
		if cfg.Ledger.Path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.Ledger.Path), 0o755); err != nil {
				return nil, fmt.Errorf("open store: %w", err)
			}
		}
		st, err := store.Open(cfg.Ledger.Path,
			store.WithLocation(loc),
			store.WithIDBase(cfg.IDBase),
		)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		slog.Debug("opened sqlite backend", "path", cfg.Ledger.Path)
		return &backend{Ledger: st, History: st, close: st.Close}, nil
	}
}
