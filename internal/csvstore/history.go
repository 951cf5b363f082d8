package csvstore

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/roach88/rollcall/internal/model"
)

// History is an append-only CSV history log.
//
// Thread-safety: Append is serialized by an internal mutex; Scan opens its own
// read handle and may run concurrently with Append.
type History struct {
	mu      sync.Mutex
	path    string
	loc     *time.Location
	f       *os.File
	size    int64
	seen    map[string]struct{}
	lastSeq int64
}

// HistoryOption configures a History.
type HistoryOption func(*History)

// WithHistoryLocation sets the location stored timestamps are interpreted in.
func WithHistoryLocation(loc *time.Location) HistoryOption {
	return func(h *History) {
		if loc != nil {
			h.loc = loc
		}
	}
}

// OpenHistory opens (or creates) the history file at path.
func OpenHistory(path string, opts ...HistoryOption) (*History, error) {
	h := &History{
		path: path,
		loc:  time.Local,
		seen: map[string]struct{}{},
	}
	for _, opt := range opts {
		opt(h)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}

	dropped, err := repairTail(path, h.loc)
	if err != nil {
		return nil, fmt.Errorf("open history %s: %w", path, err)
	}
	if dropped > 0 {
		slog.Warn("history: dropped torn final row", "path", path, "bytes", dropped)
	}

	for ev, err := range h.Scan(context.Background()) {
		if err != nil {
			return nil, fmt.Errorf("open history %s: %w", path, err)
		}
		if ev.EventID != "" {
			h.seen[ev.EventID] = struct{}{}
		}
		h.lastSeq = max(h.lastSeq, ev.Seq)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("open history: %w", err)
	}
	h.f = f
	h.size = info.Size()

	if h.size == 0 {
		if err := h.writeRows(HistoryHeader); err != nil {
			f.Close()
			return nil, fmt.Errorf("open history: write header: %w", err)
		}
	}

	return h, nil
}

// Close syncs and closes the file.
func (h *History) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.f == nil {
		return nil
	}
	err := h.f.Sync()
	if cerr := h.f.Close(); err == nil {
		err = cerr
	}
	h.f = nil
	return err
}

// Append writes one event row and syncs it to disk. Events whose id is
// already in the file are skipped.
func (h *History) Append(ctx context.Context, ev model.AttendanceEvent) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("append event %s: %w", ev.EventID, err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.f == nil {
		return fmt.Errorf("append event %s: history closed", ev.EventID)
	}
	if ev.EventID != "" {
		if _, dup := h.seen[ev.EventID]; dup {
			return nil
		}
	}

	if err := h.writeRows(encodeEvent(ev, h.loc)); err != nil {
		return fmt.Errorf("append event %s: %w", ev.EventID, err)
	}
	if ev.EventID != "" {
		h.seen[ev.EventID] = struct{}{}
	}
	h.lastSeq = max(h.lastSeq, ev.Seq)
	return nil
}

// LastSeq returns the highest sequence number written so far.
func (h *History) LastSeq(ctx context.Context) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastSeq, nil
}

// writeRows appends rows in a single write followed by fsync. On failure the
// file is truncated back to its previous length so the next append starts on
// a clean line.
func (h *History) writeRows(rows ...[]string) error {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.WriteAll(rows); err != nil {
		return fmt.Errorf("encode row: %w", err)
	}

	n, err := h.f.Write(buf.Bytes())
	if err == nil {
		err = h.f.Sync()
	}
	if err != nil {
		if n > 0 {
			if terr := h.f.Truncate(h.size); terr != nil {
				return errors.Join(err, fmt.Errorf("truncate after failed write: %w", terr))
			}
		}
		return err
	}
	h.size += int64(n)
	return nil
}

// repairTail truncates a final row left incomplete by a crash mid-append and
// returns the number of bytes removed. A row is complete when it ends in a
// newline and decodes. Damage before the final row is returned as an error.
func repairTail(path string, loc *time.Location) (int64, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	cr := csv.NewReader(bytes.NewReader(data))
	cr.FieldsPerRecord = -1

	var (
		hdr   header
		good  int64
		first = true
	)
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return 0, nil
		}
		if err == nil {
			if end := cr.InputOffset(); data[end-1] != '\n' {
				err = errors.New("row not terminated")
			}
		}
		if err == nil {
			if first {
				hdr = parseHeader(row)
			} else {
				_, err = decodeEvent(hdr, row, loc)
			}
		}
		if err != nil {
			tail := data[good:]
			if i := bytes.IndexByte(tail, '\n'); i >= 0 && i < len(tail)-1 {
				return 0, fmt.Errorf("row at byte %d: %w", good, err)
			}
			if err := os.Truncate(path, good); err != nil {
				return 0, fmt.Errorf("truncate torn row: %w", err)
			}
			return int64(len(tail)), nil
		}
		first = false
		good = cr.InputOffset()
	}
}

// Scan returns the history rows in file order.
//
// The sequence is lazy and finite; each range opens the file afresh. A
// missing file is an empty history.
func (h *History) Scan(ctx context.Context) iter.Seq2[model.AttendanceEvent, error] {
	return func(yield func(model.AttendanceEvent, error) bool) {
		f, err := os.Open(h.path)
		if errors.Is(err, os.ErrNotExist) {
			return
		}
		if err != nil {
			yield(model.AttendanceEvent{}, fmt.Errorf("scan history: %w", err))
			return
		}
		defer f.Close()

		cr := csv.NewReader(f)
		cr.FieldsPerRecord = -1
		cr.ReuseRecord = true

		first, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			yield(model.AttendanceEvent{}, fmt.Errorf("scan history: header: %w", err))
			return
		}
		hdr := parseHeader(first)

		for {
			if err := ctx.Err(); err != nil {
				yield(model.AttendanceEvent{}, fmt.Errorf("scan history: %w", err))
				return
			}
			row, err := cr.Read()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(model.AttendanceEvent{}, fmt.Errorf("scan history: %w", err))
				return
			}
			ev, err := decodeEvent(hdr, row, h.loc)
			if err != nil {
				yield(model.AttendanceEvent{}, fmt.Errorf("scan history: %w", err))
				return
			}
			if !yield(ev, nil) {
				return
			}
		}
	}
}
