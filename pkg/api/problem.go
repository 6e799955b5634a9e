// Package api serves the kernel over HTTP. Errors use RFC 7807 problem
// details.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/SunFlash12/ForgeV3-sub006/pkg/eventbus"
	"github.com/SunFlash12/ForgeV3-sub006/pkg/overlay"
	"github.com/SunFlash12/ForgeV3-sub006/pkg/pipeline"
	"github.com/SunFlash12/ForgeV3-sub006/pkg/supervisor"
)

const problemBase = "https://forge.dev/errors/"

// ProblemDetail is an RFC 7807 error body. Code carries the kernel's
// deterministic error code when one applies.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	TraceID  string `json:"trace_id,omitempty"`
	Code     string `json:"code,omitempty"`
	// Result is the partial pipeline result of a failed operation.
	Result *pipeline.Result `json:"result,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

func newProblem(r *http.Request, status int, detail string) *ProblemDetail {
	return &ProblemDetail{
		Type:     fmt.Sprintf("%s%d", problemBase, status),
		Title:    http.StatusText(status),
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
		TraceID:  middleware.GetReqID(r.Context()),
	}
}

func writeProblem(w http.ResponseWriter, p *ProblemDetail) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteError writes a problem response for status.
func WriteError(w http.ResponseWriter, r *http.Request, status int, detail string) {
	writeProblem(w, newProblem(r, status, detail))
}

// WriteTooManyRequests writes a 429 with Retry-After.
func WriteTooManyRequests(w http.ResponseWriter, r *http.Request, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, r, http.StatusTooManyRequests, "Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal logs err and writes a generic 500. err never reaches the
// client.
func WriteInternal(w http.ResponseWriter, r *http.Request, err error) {
	slog.Error("internal server error", "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()), "error", err)
	WriteError(w, r, http.StatusInternalServerError, "An unexpected error occurred. Please try again later.")
}

type coded interface{ Code() string }

// statusFor maps kernel errors to HTTP statuses.
func statusFor(err error) int {
	var (
		phaseErr *pipeline.PhaseError
		transErr *overlay.TransitionError
		valErr   *overlay.ValidationError
	)
	switch {
	case errors.Is(err, pipeline.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, pipeline.ErrCallerQuarantined):
		return http.StatusForbidden
	case errors.Is(err, pipeline.ErrUnknownOperation),
		errors.Is(err, overlay.ErrUnknownOverlay),
		errors.Is(err, eventbus.ErrDeadLetterNotFound),
		errors.Is(err, eventbus.ErrUnknownSubscriber),
		errors.Is(err, supervisor.ErrNoCanary):
		return http.StatusNotFound
	case errors.Is(err, supervisor.ErrCanaryNotRunning):
		return http.StatusConflict
	case errors.Is(err, supervisor.ErrCanaryPercent):
		return http.StatusBadRequest
	case errors.Is(err, pipeline.ErrClosed), errors.Is(err, eventbus.ErrBusClosed):
		return http.StatusServiceUnavailable
	case errors.As(err, &phaseErr):
		return http.StatusUnprocessableEntity
	case errors.As(err, &transErr):
		return http.StatusConflict
	case errors.As(err, &valErr):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeKernelError renders err from a kernel call.
func writeKernelError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		WriteInternal(w, r, err)
		return
	}
	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "1")
	}
	p := newProblem(r, status, err.Error())
	var c coded
	if errors.As(err, &c) {
		p.Code = c.Code()
	}
	writeProblem(w, p)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
