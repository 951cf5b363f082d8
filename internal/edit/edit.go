// Package edit defines the typed requests the edit surface sends to the
// engine: enrollments and partial updates of a student record.
//
// Every request is normalized and validated field by field before it reaches
// the engine, so the engine only ever sees well-formed data.
package edit

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/text/unicode/norm"

	"github.com/roach88/rollcall/internal/model"
)

// Enrollment is a request to add a new student. The id is assigned by the
// engine.
type Enrollment struct {
	Name         string `json:"name" yaml:"name"`
	Group        string `json:"group" yaml:"group"`
	StartingYear int    `json:"starting_year" yaml:"starting_year"`
	Year         int    `json:"year" yaml:"year"`
	Email        string `json:"email,omitempty" yaml:"email,omitempty"`
	Phone        string `json:"phone,omitempty" yaml:"phone,omitempty"`
}

// Patch is a partial update. Nil fields are left unchanged.
type Patch struct {
	Name               *string    `json:"name,omitempty"`
	Group              *string    `json:"group,omitempty"`
	StartingYear       *int       `json:"starting_year,omitempty"`
	Year               *int       `json:"year,omitempty"`
	Email              *string    `json:"email,omitempty"`
	Phone              *string    `json:"phone,omitempty"`
	TotalAttendance    *int       `json:"total_attendance,omitempty"`
	LastAttendanceTime *time.Time `json:"last_attendance_time,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p == Patch{}
}

// fields carries the validation rules for a complete record.
type fields struct {
	Name            string `json:"name" validate:"required,max=100"`
	Group           string `json:"group" validate:"required,max=64"`
	StartingYear    int    `json:"starting_year" validate:"gte=1900,lte=2200"`
	Year            int    `json:"year" validate:"gte=1,lte=12"`
	Email           string `json:"email" validate:"omitempty,email,max=254"`
	Phone           string `json:"phone" validate:"omitempty,phone"`
	TotalAttendance int    `json:"total_attendance" validate:"gte=0"`
}

var phonePattern = regexp.MustCompile(`^\+?[0-9][0-9 \-]{4,18}[0-9]$`)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
		_ = v.RegisterValidation("phone", func(fl validator.FieldLevel) bool {
			return phonePattern.MatchString(fl.Field().String())
		})
		validate = v
	})
	return validate
}

// FieldError describes one rejected field.
type FieldError struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
}

// ValidationError lists every field that failed validation.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.Field + ": " + f.Rule
	}
	return "invalid student: " + strings.Join(parts, ", ")
}

// Map returns field → rule, the shape the API reports.
func (e *ValidationError) Map() map[string]string {
	m := make(map[string]string, len(e.Fields))
	for _, f := range e.Fields {
		m[f.Field] = f.Rule
	}
	return m
}

// IsValidationError reports whether err is (or wraps) a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// NormalizeName trims, collapses inner whitespace and converts to NFC so the
// same name typed on different keyboards compares equal.
func NormalizeName(s string) string {
	return norm.NFC.String(strings.Join(strings.Fields(s), " "))
}

func normalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Record validates e and returns the record it would create under id.
func (e Enrollment) Record(id int64) (model.StudentRecord, error) {
	rec := model.StudentRecord{
		ID:           id,
		Name:         NormalizeName(e.Name),
		Group:        NormalizeName(e.Group),
		StartingYear: e.StartingYear,
		Year:         e.Year,
		Email:        normalizeEmail(e.Email),
		Phone:        strings.TrimSpace(e.Phone),
	}
	if err := check(rec); err != nil {
		return model.StudentRecord{}, err
	}
	return rec, nil
}

// Apply returns rec with p applied. Attendance counters are monotonic: the
// total may not decrease and the last attendance time may not move
// backwards.
func Apply(rec model.StudentRecord, p Patch) (model.StudentRecord, error) {
	out := rec.Clone()
	var extra []FieldError

	if p.Name != nil {
		out.Name = NormalizeName(*p.Name)
	}
	if p.Group != nil {
		out.Group = NormalizeName(*p.Group)
	}
	if p.StartingYear != nil {
		out.StartingYear = *p.StartingYear
	}
	if p.Year != nil {
		out.Year = *p.Year
	}
	if p.Email != nil {
		out.Email = normalizeEmail(*p.Email)
	}
	if p.Phone != nil {
		out.Phone = strings.TrimSpace(*p.Phone)
	}
	if p.TotalAttendance != nil {
		if *p.TotalAttendance < rec.TotalAttendance {
			extra = append(extra, FieldError{Field: "total_attendance", Rule: "monotonic"})
		}
		out.TotalAttendance = *p.TotalAttendance
	}
	if p.LastAttendanceTime != nil {
		// Stores keep whole seconds.
		t := p.LastAttendanceTime.Truncate(time.Second)
		if rec.LastAttendanceTime != nil && t.Before(*rec.LastAttendanceTime) {
			extra = append(extra, FieldError{Field: "last_attendance_time", Rule: "monotonic"})
		}
		out.LastAttendanceTime = &t
	}

	err := check(out)
	if len(extra) == 0 {
		if err != nil {
			return model.StudentRecord{}, err
		}
		return out, nil
	}

	var ve *ValidationError
	if errors.As(err, &ve) {
		extra = append(extra, ve.Fields...)
	} else if err != nil {
		return model.StudentRecord{}, err
	}
	sortFields(extra)
	return model.StudentRecord{}, &ValidationError{Fields: extra}
}

func check(rec model.StudentRecord) error {
	f := fields{
		Name:            rec.Name,
		Group:           rec.Group,
		StartingYear:    rec.StartingYear,
		Year:            rec.Year,
		Email:           rec.Email,
		Phone:           rec.Phone,
		TotalAttendance: rec.TotalAttendance,
	}
	err := validatorInstance().Struct(f)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate student: %w", err)
	}
	out := make([]FieldError, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, FieldError{Field: fe.Field(), Rule: fe.Tag()})
	}
	sortFields(out)
	return &ValidationError{Fields: out}
}

func sortFields(fs []FieldError) {
	sort.Slice(fs, func(i, j int) bool { return fs[i].Field < fs[j].Field })
}
