// Package httpx provides HTTP response utilities following RFC7807 problem details.
package httpx

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// ProblemDetail represents RFC7807 problem details.
type ProblemDetail struct {
	Type   string `json:"type,omitempty"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// JSON sends a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// Problem sends an RFC7807 problem details response.
func Problem(w http.ResponseWriter, status int, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ProblemDetail{
		Type:   "about:blank",
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

// DecodeJSON decodes JSON request body into the target struct, rejecting
// unknown fields.
func DecodeJSON(r *http.Request, target any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

// StreamJSONArray writes every item next passes to yield as one JSON array
// without buffering the full result. An error raised after the first element
// is written cannot change the status code, so it is reported to the caller
// only.
func StreamJSONArray(w http.ResponseWriter, next func(yield func(any) error) error) error {
	w.Header().Set("Content-Type", "application/json")
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	wrote := false
	err := next(func(item any) error {
		sep := ","
		if !wrote {
			w.WriteHeader(http.StatusOK)
			sep = "["
			wrote = true
		}
		if _, err := w.Write([]byte(sep)); err != nil {
			return err
		}
		if err := enc.Encode(item); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	})
	if err != nil && !wrote {
		return err
	}
	if !wrote {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("[]\n"))
		return nil
	}
	_, _ = w.Write([]byte("]\n"))
	return err
}
