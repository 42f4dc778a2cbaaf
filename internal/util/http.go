package util

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

// ErrorBody is the structured body for every error response.
type ErrorBody struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// WriteError writes a structured JSON error response. The category string is
// stable; the message is human-readable. Internal detail never leaks here.
func WriteError(w http.ResponseWriter, status int, category, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorBody{
		Error:     category,
		Message:   message,
		Timestamp: time.Now().UTC(),
	})
}

// StatusCapturingResponseWriter wraps http.ResponseWriter to track the status
// code and whether anything has been written, for middleware that must decide
// after the handler ran.
type StatusCapturingResponseWriter struct {
	http.ResponseWriter
	StatusCode    int
	BytesWritten  int64
	HeaderWritten bool
}

// NewStatusCapturingResponseWriter wraps w with a default status of 200 OK.
func NewStatusCapturingResponseWriter(w http.ResponseWriter) *StatusCapturingResponseWriter {
	return &StatusCapturingResponseWriter{
		ResponseWriter: w,
		StatusCode:     http.StatusOK,
	}
}

// WriteHeader captures the status code and forwards it once.
func (w *StatusCapturingResponseWriter) WriteHeader(code int) {
	if w.HeaderWritten {
		return
	}
	w.StatusCode = code
	w.HeaderWritten = true
	w.ResponseWriter.WriteHeader(code)
}

// Write forwards data and marks the header as written.
func (w *StatusCapturingResponseWriter) Write(b []byte) (int, error) {
	if !w.HeaderWritten {
		w.HeaderWritten = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.BytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming support.
func (w *StatusCapturingResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

var _ http.Flusher = (*StatusCapturingResponseWriter)(nil)

// ClientIP extracts the client IP from the request. Forwarding headers are
// consulted first so the gateway keys rate limits and hashes on the original
// caller when it sits behind another proxy.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	ip := r.RemoteAddr
	if idx := strings.LastIndex(ip, ":"); idx != -1 {
		ip = ip[:idx]
	}
	ip = strings.TrimPrefix(ip, "[")
	ip = strings.TrimSuffix(ip, "]")
	return ip
}
