package api

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	_ "image/jpeg" // frame decoding
	_ "image/png"  // frame decoding
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/roach88/rollcall/internal/edit"
	"github.com/roach88/rollcall/internal/engine"
	"github.com/roach88/rollcall/internal/model"
)

const errInvalidRequestBody = "invalid request body"

// maxBodyBytes bounds request bodies; observation frames are base64 images.
const maxBodyBytes = 16 << 20

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

// RegionRequest is a face rectangle within the frame.
type RegionRequest struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// ObservationRequest is the body of POST /observations.
type ObservationRequest struct {
	CandidateID *int64         `json:"candidate_id"`
	Confidence  float64        `json:"confidence"`
	Timestamp   *time.Time     `json:"timestamp,omitempty"`
	Frame       string         `json:"frame,omitempty"` // base64 JPEG or PNG
	Region      *RegionRequest `json:"region,omitempty"`
}

// OutcomeResponse reports an observation result.
type OutcomeResponse struct {
	Outcome   string                 `json:"outcome"`
	Reason    string                 `json:"reason,omitempty"`
	StudentID int64                  `json:"student_id,omitempty"`
	Record    *model.StudentRecord   `json:"record,omitempty"`
	Event     *model.AttendanceEvent `json:"event,omitempty"`
	Error     string                 `json:"error,omitempty"`
}

func outcomeToResponse(o engine.Outcome) OutcomeResponse {
	resp := OutcomeResponse{
		Outcome:   o.Kind.String(),
		Reason:    string(o.Reason),
		StudentID: o.StudentID,
		Record:    o.Record,
		Event:     o.Event,
	}
	if o.Err != nil {
		resp.Error = o.Err.Error()
	}
	return resp
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, ErrorResponse{Error: message})
}

// respondEngineError maps engine and validation errors to HTTP statuses.
func respondEngineError(w http.ResponseWriter, err error) {
	var ve *edit.ValidationError
	switch {
	case errors.As(err, &ve):
		respondJSON(w, http.StatusUnprocessableEntity, ErrorResponse{Error: "validation failed", Fields: ve.Map()})
	case errors.Is(err, engine.ErrNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrClosed):
		respondError(w, http.StatusServiceUnavailable, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody+": "+err.Error())
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid student id")
		return 0, false
	}
	return id, true
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": model.EngineVersion,
		"schema":  model.SchemaVersion,
	})
}

// listStudents returns the ledger, filtered by the free-text q parameter.
func (s *Server) listStudents(w http.ResponseWriter, r *http.Request) {
	q := model.NewQuery(r.URL.Query().Get("q"))
	recs := make([]model.StudentRecord, 0)
	for _, rec := range s.engine.List() {
		if q.MatchStudent(rec) {
			recs = append(recs, rec)
		}
	}
	respondJSON(w, http.StatusOK, recs)
}

func (s *Server) getStudent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	rec, err := s.engine.Get(id)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) enroll(w http.ResponseWriter, r *http.Request) {
	var req edit.Enrollment
	if !decodeBody(w, r, &req) {
		return
	}
	rec, err := s.engine.Enroll(r.Context(), req)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, rec)
}

func (s *Server) updateStudent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var p edit.Patch
	if !decodeBody(w, r, &p) {
		return
	}
	rec, err := s.engine.Update(r.Context(), id, p)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) removeStudent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.engine.Remove(r.Context(), id); err != nil {
		respondEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// listHistory returns history rows, optionally filtered by student_id and
// the free-text q parameter, and truncated to the last limit rows.
func (s *Server) listHistory(w http.ResponseWriter, r *http.Request) {
	var (
		studentID int64
		limit     int
		err       error
	)
	if v := r.URL.Query().Get("student_id"); v != "" {
		if studentID, err = strconv.ParseInt(v, 10, 64); err != nil {
			respondError(w, http.StatusBadRequest, "invalid student_id")
			return
		}
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 0 {
			respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
	}

	q := model.NewQuery(r.URL.Query().Get("q"))

	events := make([]model.AttendanceEvent, 0)
	for ev, err := range s.history.Scan(r.Context()) {
		if err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if studentID != 0 && ev.StudentID != studentID {
			continue
		}
		if !q.MatchEvent(ev) {
			continue
		}
		events = append(events, ev)
	}
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	respondJSON(w, http.StatusOK, events)
}

func (s *Server) observe(w http.ResponseWriter, r *http.Request) {
	var req ObservationRequest
	if !decodeBody(w, r, &req) {
		return
	}

	obs := engine.Observation{CandidateID: req.CandidateID, Confidence: req.Confidence}
	if req.Frame != "" {
		data, err := base64.StdEncoding.DecodeString(req.Frame)
		if err != nil {
			respondError(w, http.StatusBadRequest, "frame is not valid base64")
			return
		}
		img, _, err := image.Decode(bytes.NewReader(data))
		if err != nil {
			respondError(w, http.StatusBadRequest, "frame is not a JPEG or PNG image")
			return
		}
		obs.Frame = img
	}
	if req.Region != nil {
		reg := req.Region
		obs.Region = image.Rect(reg.X, reg.Y, reg.X+reg.Width, reg.Y+reg.Height)
	}

	now := s.now()
	if req.Timestamp != nil {
		now = *req.Timestamp
	}

	out := s.engine.Observe(r.Context(), obs, now)
	status := http.StatusOK
	if out.Kind == engine.Failed {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, outcomeToResponse(out))
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.engine.Stats())
}
