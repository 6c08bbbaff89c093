package admission

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Rejection is the response a verifier produces when it refuses a request.
type Rejection struct {
	Code    int
	Message string
	Headers map[string]string
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (r *Rejection) Error() string {
	if r == nil {
		return ""
	}
	return r.Message
}

// WithHeader returns r with an extra response header.
func (r *Rejection) WithHeader(key, value string) *Rejection {
	if r.Headers == nil {
		r.Headers = make(map[string]string, 1)
	}
	r.Headers[key] = value
	return r
}

// Write renders the rejection as {"error":{"code":...,"message":...}}.
func (r *Rejection) Write(w http.ResponseWriter) {
	WriteError(w, r.Code, r.Message, r.Headers)
}

// WriteError writes the stable error envelope used by every non-2xx response.
func WriteError(w http.ResponseWriter, code int, message string, headers map[string]string) {
	for k, v := range headers {
		w.Header().Set(k, v)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(errorBody{Error: errorDetail{Code: code, Message: message}}); err != nil {
		slog.Error("could not encode error response", "error", err)
	}
}

func reject(code int, message string) *Rejection {
	return &Rejection{Code: code, Message: message}
}

// BadRequest is a client-fault rejection (malformed headers, hex, timestamps).
func BadRequest(message string) *Rejection { return reject(http.StatusBadRequest, message) }

// Unauthorized is an authentication failure (signature or target mismatch).
func Unauthorized(message string) *Rejection { return reject(http.StatusUnauthorized, message) }

// Forbidden is an authorization failure (lists or subnet membership).
func Forbidden(message string) *Rejection { return reject(http.StatusForbidden, message) }

// TooManyRequests is a throttling rejection; callers attach retry guidance headers.
func TooManyRequests(message string) *Rejection {
	return reject(http.StatusTooManyRequests, message)
}

// Unavailable reports that an upstream needed for the decision could not be reached.
func Unavailable(message string) *Rejection {
	return reject(http.StatusServiceUnavailable, message)
}
