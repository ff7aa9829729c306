// ABOUTME: JSON response helpers and the error-to-status mapping for HTTP routes
// ABOUTME: Every failure leaves the gateway as a single {"error": msg} object

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/2389/coursechat-gateway/internal/conversation"
)

// maxBodyBytes bounds request bodies. Conversations are resent whole each turn.
const maxBodyBytes = 4 << 20

var errInvalidJSON = &conversation.ConfigurationError{Msg: "invalid JSON body"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// sendJSONError writes a JSON error response.
func sendJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// statusFor maps the conversation error taxonomy to an HTTP status and the
// message shown to the caller.
func statusFor(err error) (int, string) {
	var cfgErr *conversation.ConfigurationError
	var notFound *conversation.NotFoundError
	var storeErr *conversation.StoreError
	var backendErr *conversation.BackendError

	switch {
	case errors.As(err, &cfgErr):
		return http.StatusBadRequest, cfgErr.Msg
	case errors.As(err, &notFound):
		return http.StatusNotFound, notFound.Msg
	case errors.As(err, &storeErr):
		return http.StatusInternalServerError, storeErr.PublicMessage()
	case errors.As(err, &backendErr):
		return http.StatusInternalServerError, backendErr.Error()
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

// writeError logs server faults with the request's logger and writes the
// mapped status and message.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := statusFor(err)
	logger := loggerFrom(r.Context())
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "status", status, "error", err)
	} else {
		logger.Debug("request rejected", "status", status, "error", err)
	}
	sendJSONError(w, status, msg)
}

// decodeBody reads a JSON body into v. An empty body leaves v untouched.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return errInvalidJSON
	}
	return nil
}

// loggerFrom returns the request-scoped logger installed by the logging middleware.
func loggerFrom(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}
