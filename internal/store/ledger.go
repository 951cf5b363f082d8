package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/rollcall/internal/model"
)

const studentColumns = `id, name, grp, starting_year, year, email, phone, total_attendance, last_attendance_time`

// Get retrieves a single student by id.
// Returns ErrNotFound if the id is not enrolled.
func (s *Store) Get(ctx context.Context, id int64) (model.StudentRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+studentColumns+`
		FROM students
		WHERE id = ?
	`, id)

	rec, err := s.scanStudent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.StudentRecord{}, fmt.Errorf("get student %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.StudentRecord{}, fmt.Errorf("get student %d: %w", id, err)
	}
	return rec, nil
}

// Upsert writes the full record, inserting or replacing by id.
// The id high-water mark is raised in the same transaction so NextID never
// returns an id that has been written before.
func (s *Store) Upsert(ctx context.Context, rec model.StudentRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("upsert student %d: begin tx: %w", rec.ID, err)
	}
	defer tx.Rollback() // No-op if committed

	_, err = tx.ExecContext(ctx, `
		INSERT INTO students (`+studentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			grp = excluded.grp,
			starting_year = excluded.starting_year,
			year = excluded.year,
			email = excluded.email,
			phone = excluded.phone,
			total_attendance = excluded.total_attendance,
			last_attendance_time = excluded.last_attendance_time
	`,
		rec.ID,
		rec.Name,
		rec.Group,
		rec.StartingYear,
		rec.Year,
		rec.Email,
		rec.Phone,
		rec.TotalAttendance,
		s.formatTime(rec.LastAttendanceTime),
	)
	if err != nil {
		return fmt.Errorf("upsert student %d: %w", rec.ID, err)
	}

	if err := raiseHighWater(ctx, tx, rec.ID); err != nil {
		return fmt.Errorf("upsert student %d: %w", rec.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("upsert student %d: commit: %w", rec.ID, err)
	}
	return nil
}

// Remove deletes a student. History rows for the id are kept.
// Returns ErrNotFound if the id is not enrolled.
func (s *Store) Remove(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM students WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("remove student %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("remove student %d: rows affected: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("remove student %d: %w", id, ErrNotFound)
	}
	return nil
}

// List returns every student ordered by id.
// Returns an empty slice (not nil) for an empty ledger.
func (s *Store) List(ctx context.Context) ([]model.StudentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+studentColumns+`
		FROM students
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query students: %w", err)
	}
	defer rows.Close()

	records := []model.StudentRecord{}
	for rows.Next() {
		rec, err := s.scanStudent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan student: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate students: %w", err)
	}

	return records, nil
}

// NextID returns the id the next enrollment should use: one past the highest
// id ever written, or the configured base for a ledger that has never held a
// student.
func (s *Store) NextID(ctx context.Context) (int64, error) {
	var high int64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(
			COALESCE((SELECT MAX(id) FROM students), 0),
			COALESCE((SELECT last_id FROM id_sequence WHERE name = 'students'), 0)
		)
	`).Scan(&high)
	if err != nil {
		return 0, fmt.Errorf("next id: %w", err)
	}
	if high == 0 {
		return s.idBase, nil
	}
	return high + 1, nil
}

func raiseHighWater(ctx context.Context, tx *sql.Tx, id int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO id_sequence (name, last_id)
		VALUES ('students', ?)
		ON CONFLICT(name) DO UPDATE SET last_id = MAX(last_id, excluded.last_id)
	`, id)
	if err != nil {
		return fmt.Errorf("raise id high-water: %w", err)
	}
	return nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanStudent(row rowScanner) (model.StudentRecord, error) {
	var rec model.StudentRecord
	var last string
	if err := row.Scan(
		&rec.ID, &rec.Name, &rec.Group, &rec.StartingYear, &rec.Year,
		&rec.Email, &rec.Phone, &rec.TotalAttendance, &last,
	); err != nil {
		return model.StudentRecord{}, err
	}
	rec.LastAttendanceTime = model.ParseTime(last, s.loc)
	return rec, nil
}

// formatTime renders t in the store's location so it reads back unchanged.
func (s *Store) formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	in := t.In(s.loc)
	return model.FormatTime(&in)
}
