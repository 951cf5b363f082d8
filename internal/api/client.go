package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/rollcall/internal/edit"
	"github.com/roach88/rollcall/internal/engine"
	"github.com/roach88/rollcall/internal/model"
)

// Client talks to a running rollcall server. The CLI edit commands use it
// so the server stays the only process that writes the ledger.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for baseURL ("http://host:port"). A bare
// host:port is accepted.
func NewClient(baseURL string) *Client {
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Message string
	Fields  map[string]string
}

func (e *APIError) Error() string {
	if len(e.Fields) == 0 {
		return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("server returned %d: %s %v", e.Status, e.Message, e.Fields)
}

// Enroll creates a student.
func (c *Client) Enroll(ctx context.Context, req edit.Enrollment) (model.StudentRecord, error) {
	var rec model.StudentRecord
	err := c.do(ctx, http.MethodPost, "/api/v1/students", req, &rec)
	return rec, err
}

// Update patches a student.
func (c *Client) Update(ctx context.Context, id int64, p edit.Patch) (model.StudentRecord, error) {
	var rec model.StudentRecord
	err := c.do(ctx, http.MethodPatch, "/api/v1/students/"+strconv.FormatInt(id, 10), p, &rec)
	return rec, err
}

// Remove deletes a student.
func (c *Client) Remove(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/students/"+strconv.FormatInt(id, 10), nil, nil)
}

// Observe submits an observation. Failed outcomes are returned with a nil
// error; the outcome carries the reason.
func (c *Client) Observe(ctx context.Context, req ObservationRequest) (OutcomeResponse, error) {
	var out OutcomeResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/observations", req, &out)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusServiceUnavailable && out.Outcome != "" {
		return out, nil
	}
	return out, err
}

// Stats fetches engine counters.
func (c *Client) Stats(ctx context.Context) (engine.Stats, error) {
	var st engine.Stats
	err := c.do(ctx, http.MethodGet, "/api/v1/stats", nil, &st)
	return st, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var er ErrorResponse
		if json.Unmarshal(data, &er) == nil && er.Error != "" {
			apiErr.Message = er.Error
			apiErr.Fields = er.Fields
		}
		// Observation failures still carry an outcome body.
		if out != nil {
			_ = json.Unmarshal(data, out)
		}
		return apiErr
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
