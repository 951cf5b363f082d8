package csvstore

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/rollcall/internal/model"
)

// StudentHeader is the column layout written for the ledger.
var StudentHeader = []string{
	"id", "name", "group", "starting_year", "year", "email", "phone",
	"total_attendance", "last_attendance_time",
}

// HistoryHeader is the column layout written for the history.
var HistoryHeader = []string{
	"id", "name", "timestamp", "status", "event_id", "seq", "snapshot", "flags",
}

// columnAliases maps legacy header names onto current ones.
var columnAliases = map[string]string{
	"major":        "group",
	"date":         "timestamp",
	"nama":         "name",
	"phone_number": "phone",
}

// header indexes a CSV header row by normalized column name.
type header map[string]int

func parseHeader(row []string) header {
	h := header{}
	for i, col := range row {
		name := strings.ToLower(strings.TrimSpace(strings.ReplaceAll(col, " ", "_")))
		if alias, ok := columnAliases[name]; ok {
			name = alias
		}
		if _, dup := h[name]; !dup {
			h[name] = i
		}
	}
	return h
}

func (h header) get(row []string, col string) string {
	i, ok := h[col]
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

// ReadStudents decodes a ledger CSV. Legacy files written by the original
// tooling (id,name,major,starting_year,total_attendance,year,
// last_attendance_time) are accepted.
func ReadStudents(r io.Reader, loc *time.Location) ([]model.StudentRecord, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	first, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return []model.StudentRecord{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	h := parseHeader(first)
	if _, ok := h["id"]; !ok {
		return nil, fmt.Errorf("read header: missing id column")
	}

	records := []model.StudentRecord{}
	for line := 2; ; line++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		rec, err := decodeStudent(h, row, loc)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

func decodeStudent(h header, row []string, loc *time.Location) (model.StudentRecord, error) {
	id, err := strconv.ParseInt(h.get(row, "id"), 10, 64)
	if err != nil || id <= 0 {
		return model.StudentRecord{}, fmt.Errorf("invalid id %q", h.get(row, "id"))
	}
	total, err := atoiDefault(h.get(row, "total_attendance"))
	if err != nil || total < 0 {
		return model.StudentRecord{}, fmt.Errorf("student %d: invalid total_attendance %q", id, h.get(row, "total_attendance"))
	}
	// Free-form year columns in old files are not fatal.
	startYear, _ := atoiDefault(h.get(row, "starting_year"))
	year, _ := atoiDefault(h.get(row, "year"))

	return model.StudentRecord{
		ID:                 id,
		Name:               h.get(row, "name"),
		Group:              h.get(row, "group"),
		StartingYear:       startYear,
		Year:               year,
		Email:              h.get(row, "email"),
		Phone:              h.get(row, "phone"),
		TotalAttendance:    total,
		LastAttendanceTime: model.ParseTime(h.get(row, "last_attendance_time"), loc),
	}, nil
}

func encodeStudent(rec model.StudentRecord, loc *time.Location) []string {
	return []string{
		strconv.FormatInt(rec.ID, 10),
		rec.Name,
		rec.Group,
		itoaZero(rec.StartingYear),
		itoaZero(rec.Year),
		rec.Email,
		rec.Phone,
		strconv.Itoa(rec.TotalAttendance),
		formatIn(rec.LastAttendanceTime, loc),
	}
}

func decodeEvent(h header, row []string, loc *time.Location) (model.AttendanceEvent, error) {
	id, err := strconv.ParseInt(h.get(row, "id"), 10, 64)
	if err != nil {
		return model.AttendanceEvent{}, fmt.Errorf("invalid id %q", h.get(row, "id"))
	}
	seq, _ := strconv.ParseInt(h.get(row, "seq"), 10, 64)
	// Legacy files write "Present".
	status := model.Status(strings.ToLower(h.get(row, "status")))
	if !model.ValidStatuses[status] {
		return model.AttendanceEvent{}, fmt.Errorf("invalid status %q", h.get(row, "status"))
	}

	ev := model.AttendanceEvent{
		EventID:     h.get(row, "event_id"),
		Seq:         seq,
		StudentID:   id,
		Name:        h.get(row, "name"),
		Status:      status,
		SnapshotRef: h.get(row, "snapshot"),
		Flags:       model.SplitFlags(h.get(row, "flags")),
	}
	if ts := model.ParseTime(h.get(row, "timestamp"), loc); ts != nil {
		ev.Timestamp = *ts
	}
	return ev, nil
}

func encodeEvent(ev model.AttendanceEvent, loc *time.Location) []string {
	return []string{
		strconv.FormatInt(ev.StudentID, 10),
		ev.Name,
		formatIn(&ev.Timestamp, loc),
		string(ev.Status),
		ev.EventID,
		strconv.FormatInt(ev.Seq, 10),
		ev.SnapshotRef,
		model.JoinFlags(ev.Flags),
	}
}

func atoiDefault(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	// Spreadsheets like to write 3.0 for 3.
	if f, err := strconv.ParseFloat(s, 64); err == nil && f == float64(int(f)) {
		return int(f), nil
	}
	return strconv.Atoi(s)
}

func itoaZero(n int) string {
	if n == 0 {
		return ""
	}
	return strconv.Itoa(n)
}

// formatIn renders t in loc so it parses back to the same instant.
func formatIn(t *time.Time, loc *time.Location) string {
	if t == nil {
		return ""
	}
	in := t.In(loc)
	return model.FormatTime(&in)
}
