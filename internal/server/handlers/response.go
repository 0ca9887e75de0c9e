package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync/atomic"
)

// HandlerFunc is the signature every route handler uses.
type HandlerFunc func(w http.ResponseWriter, r *http.Request)

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Docs    string `json:"docs,omitempty"`
	Details any    `json:"details,omitempty"`
}

var docsURL atomic.Value

// SetDocsURL sets the base link included in error responses. Each error
// links to base#<code>.
func SetDocsURL(url string) {
	docsURL.Store(strings.TrimRight(url, "/#"))
}

func docsLink(code string) string {
	base, _ := docsURL.Load().(string)
	if base == "" || code == "" {
		return ""
	}
	return base + "#" + strings.ToLower(strings.ReplaceAll(code, "_", "-"))
}

func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		}
	}
}

func Error(w http.ResponseWriter, status int, code string, message string) {
	JSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
		Docs:  docsLink(code),
	})
}

func ErrorWithDetails(w http.ResponseWriter, status int, code string, message string, details any) {
	JSON(w, status, ErrorResponse{
		Error:   message,
		Code:    code,
		Docs:    docsLink(code),
		Details: details,
	})
}

func NotFound(w http.ResponseWriter, message string) {
	Error(w, http.StatusNotFound, "NOT_FOUND", message)
}

func BadRequest(w http.ResponseWriter, message string) {
	Error(w, http.StatusBadRequest, "BAD_REQUEST", message)
}

func Unauthorized(w http.ResponseWriter, message string) {
	Error(w, http.StatusUnauthorized, "UNAUTHORIZED", message)
}

func Forbidden(w http.ResponseWriter, message string) {
	Error(w, http.StatusForbidden, "FORBIDDEN", message)
}

func InternalError(w http.ResponseWriter, message string) {
	Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", message)
}
