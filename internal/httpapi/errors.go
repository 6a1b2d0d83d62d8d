package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"investcalc.org/internal/auth"
	"investcalc.org/internal/obs"
	"investcalc.org/internal/report"
	"investcalc.org/internal/stats"
)

// respondError maps service errors onto HTTP statuses. A lost refresh race
// matches both ErrConflict and ErrUnauthorized and is reported as 409.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrConflict):
		writeError(w, r, http.StatusConflict, trimPrefix(err))
	case errors.Is(err, auth.ErrUnauthorized):
		unauthorized(w, r, trimPrefix(err))
	case errors.Is(err, auth.ErrForbidden):
		writeError(w, r, http.StatusForbidden, "forbidden")
	case errors.Is(err, auth.ErrInvalidInput), errors.Is(err, stats.ErrInvalidRequest):
		writeError(w, r, http.StatusBadRequest, trimPrefix(err))
	case errors.Is(err, stats.ErrOverflow), errors.Is(err, stats.ErrInvalidRecord):
		writeError(w, r, http.StatusUnprocessableEntity, trimPrefix(err))
	case errors.Is(err, report.ErrReadOnly):
		writeError(w, r, http.StatusNotImplemented, "record storage is not configured")
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "resource not found")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, r, http.StatusServiceUnavailable, "request cancelled")
	default:
		obs.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

// outcome is the metrics label for err.
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, auth.ErrConflict):
		return "conflict"
	case errors.Is(err, auth.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, auth.ErrForbidden):
		return "forbidden"
	case errors.Is(err, auth.ErrInvalidInput):
		return "invalid"
	default:
		return "error"
	}
}

// trimPrefix drops the "auth: " or "stats: " package prefix from messages
// shown to clients.
func trimPrefix(err error) string {
	msg := err.Error()
	for _, p := range []string{"auth: ", "stats: "} {
		msg = strings.TrimPrefix(msg, p)
	}
	return msg
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := obs.RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// badBody reports a request body that could not be decoded.
func badBody(w http.ResponseWriter, r *http.Request, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, r, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, r, http.StatusBadRequest, err.Error())
}
