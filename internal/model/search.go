package model

import (
	"strconv"
	"strings"

	"golang.org/x/text/cases"
)

// Query is a free-text filter over ledger and history rows. A row matches
// when any displayed column contains the query, ignoring case.
type Query struct {
	folded string
}

// NewQuery prepares q for matching. Surrounding whitespace is ignored.
func NewQuery(q string) Query {
	return Query{folded: fold(strings.TrimSpace(q))}
}

// Empty reports whether the query matches everything.
func (q Query) Empty() bool { return q.folded == "" }

// MatchStudent reports whether rec matches on id, name, group, email, phone
// or last attendance time.
func (q Query) MatchStudent(rec StudentRecord) bool {
	return q.any(
		strconv.FormatInt(rec.ID, 10),
		rec.Name,
		rec.Group,
		rec.Email,
		rec.Phone,
		FormatTime(rec.LastAttendanceTime),
	)
}

// MatchEvent reports whether ev matches on student id, name, status,
// timestamp or flags.
func (q Query) MatchEvent(ev AttendanceEvent) bool {
	return q.any(
		strconv.FormatInt(ev.StudentID, 10),
		ev.Name,
		string(ev.Status),
		FormatTime(&ev.Timestamp),
		JoinFlags(ev.Flags),
	)
}

func (q Query) any(cols ...string) bool {
	if q.Empty() {
		return true
	}
	for _, c := range cols {
		if strings.Contains(fold(c), q.folded) {
			return true
		}
	}
	return false
}

// fold uses a fresh Caser per call; Casers are stateful.
func fold(s string) string {
	return cases.Fold().String(s)
}
