// Package model provides the domain types shared by every rollcall package.
//
// This package contains type definitions and their codecs only. All other
// internal packages import model; model imports nothing internal. This keeps
// the record and event shapes the foundational layer with no circular
// dependencies.
//
// Key design constraints:
//   - Student ids are int64, assigned from a base and never reused
//   - TotalAttendance never decreases
//   - LastAttendanceTime never moves backwards once set
//   - AttendanceEvent is immutable once appended to history
//   - All JSON tags use snake_case
package model
