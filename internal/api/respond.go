package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/soaringjerry/Cohort/internal/services"
)

const maxBodyBytes = 8 << 20

type errorMsg struct {
	Msg string `json:"msg"`
}

// failureBody is the rejection shape the mobile app parses.
type failureBody struct {
	Success   bool       `json:"success"`
	Exception string     `json:"exception"`
	Errors    []errorMsg `json:"errors"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeFailure(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, failureBody{Exception: msg, Errors: []errorMsg{{Msg: msg}}})
}

func statusFor(code services.ErrorCode) int {
	switch code {
	case services.ErrorInvalid:
		return http.StatusBadRequest
	case services.ErrorNotFound:
		return http.StatusNotFound
	case services.ErrorConflict:
		return http.StatusConflict
	case services.ErrorUnauthorized:
		return http.StatusUnauthorized
	case services.ErrorForbidden:
		return http.StatusForbidden
	case services.ErrorBadGateway:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// writeError maps service errors to their status; anything else is logged
// and reported generically.
func (rt *Router) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if se, ok := services.AsServiceError(err); ok {
		writeFailure(w, statusFor(se.Code), se.Message)
		return
	}
	rt.logger.Error("request failed",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Error(err),
	)
	writeFailure(w, http.StatusInternalServerError, "An unexpected error occurred")
}

var errEmptyBody = errors.New("empty body")

// readJSON decodes the request body into v. A missing body leaves v zero.
func readJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	return nil
}

// decodeBody writes a 400 and returns false on malformed JSON.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := readJSON(r, v); err != nil && !errors.Is(err, errEmptyBody) {
		writeFailure(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}
