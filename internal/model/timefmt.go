package model

import (
	"strings"
	"time"
)

// TimeLayout is the wall-clock layout used by the ledger and history files.
const TimeLayout = "2006-01-02 15:04:05"

// FormatTime renders t in TimeLayout, or "" for nil.
func FormatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(TimeLayout)
}

// ParseTime parses a stored timestamp in loc.
//
// Empty or malformed values yield nil: a record whose last attendance cannot
// be read is treated as never having attended. RFC 3339 is accepted as well so
// files edited by other tools still load.
func ParseTime(s string, loc *time.Location) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if loc == nil {
		loc = time.Local
	}
	if t, err := time.ParseInLocation(TimeLayout, s, loc); err == nil {
		return &t
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		t = t.In(loc)
		return &t
	}
	return nil
}

// JoinFlags encodes flags for a single tabular column.
func JoinFlags(flags []string) string {
	return strings.Join(flags, ";")
}

// SplitFlags decodes a flags column written by JoinFlags.
func SplitFlags(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ";")
}
