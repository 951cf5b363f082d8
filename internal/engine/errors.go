package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by edit operations for an id not in the ledger.
	ErrNotFound = errors.New("student not found")

	// ErrClosed is returned once Close has been called.
	ErrClosed = errors.New("engine closed")
)

// ObservationError describes why an observation was not recorded.
//
// Rejections (unknown identity, low confidence, not eligible) are expected
// outcomes. Durable write failures are faults: the ledger is unchanged and
// the observation may be retried.
type ObservationError struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// StudentID is the candidate id, zero when absent.
	StudentID int64

	// Reason carries the policy decision for ErrCodeNotEligible.
	Reason Reason

	// Err is the underlying cause, if any.
	Err error
}

// ErrorCode categorizes observation errors.
type ErrorCode string

const (
	// ErrCodeUnknownIdentity indicates a missing or unenrolled candidate id.
	ErrCodeUnknownIdentity ErrorCode = "UNKNOWN_IDENTITY"

	// ErrCodeLowConfidence indicates the match confidence failed the threshold.
	ErrCodeLowConfidence ErrorCode = "LOW_CONFIDENCE"

	// ErrCodeNotEligible indicates the eligibility policy refused admission.
	ErrCodeNotEligible ErrorCode = "NOT_ELIGIBLE"

	// ErrCodeDurableWriteFailure indicates the ledger store write failed or
	// timed out.
	ErrCodeDurableWriteFailure ErrorCode = "DURABLE_WRITE_FAILURE"

	// ErrCodeSnapshotFailure indicates a snapshot could not be written.
	ErrCodeSnapshotFailure ErrorCode = "SNAPSHOT_FAILURE"
)

// Error implements the error interface.
func (e *ObservationError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.StudentID != 0 {
		msg = fmt.Sprintf("%s (id=%d)", msg, e.StudentID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ObservationError) Unwrap() error { return e.Err }

func hasCode(err error, code ErrorCode) bool {
	var oe *ObservationError
	if errors.As(err, &oe) {
		return oe.Code == code
	}
	return false
}

// IsUnknownIdentity reports whether err is an unknown identity rejection.
func IsUnknownIdentity(err error) bool { return hasCode(err, ErrCodeUnknownIdentity) }

// IsLowConfidence reports whether err is a low confidence rejection.
func IsLowConfidence(err error) bool { return hasCode(err, ErrCodeLowConfidence) }

// IsNotEligible reports whether err is a policy rejection.
func IsNotEligible(err error) bool { return hasCode(err, ErrCodeNotEligible) }

// IsDurableWriteFailure reports whether err is a ledger write failure.
// Uses errors.As to handle wrapped errors.
func IsDurableWriteFailure(err error) bool { return hasCode(err, ErrCodeDurableWriteFailure) }

// IsSnapshotFailure reports whether err is a snapshot write failure.
func IsSnapshotFailure(err error) bool { return hasCode(err, ErrCodeSnapshotFailure) }

func newRejection(code ErrorCode, id int64, reason Reason, msg string) *ObservationError {
	return &ObservationError{Code: code, Message: msg, StudentID: id, Reason: reason}
}

func newWriteFailure(id int64, err error) *ObservationError {
	return &ObservationError{
		Code:      ErrCodeDurableWriteFailure,
		Message:   "ledger write failed",
		StudentID: id,
		Err:       err,
	}
}
