package csvstore

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio"

	"github.com/roach88/rollcall/internal/model"
)

// ErrNotFound is returned when a student id is not in the ledger.
var ErrNotFound = errors.New("student not found")

// Ledger is a CSV-backed ledger store.
//
// The durable image is mirrored in memory so each mutation can rewrite the
// whole file. Thread-safety: all methods are safe for concurrent use.
type Ledger struct {
	mu      sync.Mutex
	path    string
	loc     *time.Location
	idBase  int64
	records map[int64]model.StudentRecord
	high    int64 // highest id ever written
}

// LedgerOption configures a Ledger.
type LedgerOption func(*Ledger)

// WithLocation sets the location stored timestamps are interpreted in.
func WithLocation(loc *time.Location) LedgerOption {
	return func(l *Ledger) {
		if loc != nil {
			l.loc = loc
		}
	}
}

// WithIDBase sets the first id NextID returns for an empty ledger.
func WithIDBase(base int64) LedgerOption {
	return func(l *Ledger) {
		if base > 0 {
			l.idBase = base
		}
	}
}

// OpenLedger loads the ledger at path, creating the directory if needed.
// A missing file is an empty ledger.
func OpenLedger(path string, opts ...LedgerOption) (*Ledger, error) {
	l := &Ledger{
		path:    path,
		loc:     time.Local,
		idBase:  model.DefaultIDBase,
		records: map[int64]model.StudentRecord{},
	}
	for _, opt := range opts {
		opt(l)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	f, err := os.Open(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("open ledger: %w", err)
	default:
		records, err := ReadStudents(f, l.loc)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("open ledger %s: %w", path, err)
		}
		for _, rec := range records {
			if _, dup := l.records[rec.ID]; dup {
				return nil, fmt.Errorf("open ledger %s: duplicate id %d", path, rec.ID)
			}
			l.records[rec.ID] = rec
			l.high = max(l.high, rec.ID)
		}
	}

	high, err := l.readHighWater()
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	l.high = max(l.high, high)

	return l, nil
}

// Close is a no-op; every mutation is already durable when it returns.
func (l *Ledger) Close() error { return nil }

// Get retrieves a single student by id.
func (l *Ledger) Get(ctx context.Context, id int64) (model.StudentRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[id]
	if !ok {
		return model.StudentRecord{}, fmt.Errorf("get student %d: %w", id, ErrNotFound)
	}
	return rec.Clone(), nil
}

// Upsert writes the full record and rewrites the file.
func (l *Ledger) Upsert(ctx context.Context, rec model.StudentRecord) error {
	if rec.TotalAttendance < 0 {
		return fmt.Errorf("upsert student %d: negative total_attendance", rec.ID)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	next := l.copyRecords()
	next[rec.ID] = rec.Clone()
	high := max(l.high, rec.ID)

	if err := l.flush(ctx, next, high); err != nil {
		return fmt.Errorf("upsert student %d: %w", rec.ID, err)
	}
	l.records = next
	l.high = high
	return nil
}

// Remove deletes a student and rewrites the file.
func (l *Ledger) Remove(ctx context.Context, id int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.records[id]; !ok {
		return fmt.Errorf("remove student %d: %w", id, ErrNotFound)
	}
	next := l.copyRecords()
	delete(next, id)

	if err := l.flush(ctx, next, l.high); err != nil {
		return fmt.Errorf("remove student %d: %w", id, err)
	}
	l.records = next
	return nil
}

// List returns every student ordered by id.
func (l *Ledger) List(ctx context.Context) ([]model.StudentRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]model.StudentRecord, 0, len(l.records))
	for _, rec := range l.records {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// NextID returns one past the highest id ever written, or the base.
func (l *Ledger) NextID(ctx context.Context) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.high == 0 {
		return l.idBase, nil
	}
	return l.high + 1, nil
}

func (l *Ledger) copyRecords() map[int64]model.StudentRecord {
	next := make(map[int64]model.StudentRecord, len(l.records)+1)
	for id, rec := range l.records {
		next[id] = rec
	}
	return next
}

// flush writes records and the high-water mark. The high-water file is
// written first: a crash between the two leaves it ahead of the table, which
// only skips an id.
func (l *Ledger) flush(ctx context.Context, records map[int64]model.StudentRecord, high int64) error {
	if high != l.high {
		if err := l.writeHighWater(ctx, high); err != nil {
			return err
		}
	}

	ids := make([]int64, 0, len(records))
	for id := range records {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(StudentHeader); err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	for _, id := range ids {
		if err := w.Write(encodeStudent(records[id], l.loc)); err != nil {
			return fmt.Errorf("encode student %d: %w", id, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("encode ledger: %w", err)
	}

	return replaceFile(ctx, l.path, buf.Bytes())
}

func (l *Ledger) seqPath() string { return l.path + ".seq" }

func (l *Ledger) readHighWater() (int64, error) {
	data, err := os.ReadFile(l.seqPath())
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read id high-water: %w", err)
	}
	s := strings.TrimSpace(string(data))
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse id high-water %q: %w", s, err)
	}
	return n, nil
}

func (l *Ledger) writeHighWater(ctx context.Context, high int64) error {
	return replaceFile(ctx, l.seqPath(), []byte(strconv.FormatInt(high, 10)+"\n"))
}

// replaceFile writes data to a temporary file beside path and renames it over
// path. The rename is skipped when ctx is already done, so a caller that gave
// up never has its write land late.
func replaceFile(ctx context.Context, path string, data []byte) error {
	t, err := renameio.TempFile(filepath.Dir(path), path)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer t.Cleanup()

	if _, err := t.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := t.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("replace %s: %w", filepath.Base(path), err)
	}
	return nil
}
