package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrMissingAPIKey     = errors.New("missing API key")
	ErrTemplate          = errors.New("invalid prompt template")
	ErrModelLoad         = errors.New("model load failed")
	ErrCompletion        = errors.New("completion failed")
	ErrMalformedResponse = errors.New("malformed completion response")
	ErrStreamDecode      = errors.New("stream decode failed")
)

// TemplateError reports a pattern whose placeholder cannot be resolved
// unambiguously: it is missing or appears more than once.
type TemplateError struct {
	Pattern     string
	Placeholder string
	Count       int
}

func (e *TemplateError) Error() string {
	if e.Count == 0 {
		return fmt.Sprintf("template: placeholder %q not found in pattern", e.Placeholder)
	}
	return fmt.Sprintf("template: placeholder %q appears %d times, want exactly one", e.Placeholder, e.Count)
}

func (e *TemplateError) Is(target error) bool { return target == ErrTemplate }

// ModelLoadError is returned when the load endpoint answers with anything
// other than 204 No Content, or cannot be reached at all (StatusCode 0).
type ModelLoadError struct {
	Model      string
	StatusCode int
	Body       string
	Err        error
}

func (e *ModelLoadError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("load model %q: %v", e.Model, e.Err)
	}
	return fmt.Sprintf("load model %q: status %d: %s", e.Model, e.StatusCode, e.Body)
}

func (e *ModelLoadError) Is(target error) bool { return target == ErrModelLoad }
func (e *ModelLoadError) Unwrap() error        { return e.Err }

// CompletionError covers transport failures and non-2xx answers from the
// completion endpoint.
type CompletionError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *CompletionError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("completion: %v", e.Err)
	}
	return fmt.Sprintf("completion: status %d: %s", e.StatusCode, e.Body)
}

func (e *CompletionError) Is(target error) bool { return target == ErrCompletion }
func (e *CompletionError) Unwrap() error        { return e.Err }

// MalformedResponseError is a 2xx non-streaming body without a usable
// "text" field. It matches both ErrMalformedResponse and ErrCompletion.
type MalformedResponseError struct {
	Reason string
	Body   string
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("completion: malformed response: %s", e.Reason)
}

func (e *MalformedResponseError) Is(target error) bool {
	return target == ErrMalformedResponse || target == ErrCompletion
}

// StreamDecodeError is scoped to a single event frame. Frame is the
// zero-based index of the frame in the stream; -1 means the connection
// itself failed while reading.
type StreamDecodeError struct {
	Frame int
	Data  string
	Err   error
}

func (e *StreamDecodeError) Error() string {
	if e.Frame < 0 {
		return fmt.Sprintf("stream: reading events: %v", e.Err)
	}
	return fmt.Sprintf("stream: frame %d: %v", e.Frame, e.Err)
}

func (e *StreamDecodeError) Is(target error) bool { return target == ErrStreamDecode }
func (e *StreamDecodeError) Unwrap() error        { return e.Err }

type jsonError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func WriteJSONError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	body := jsonError{
		Error:   http.StatusText(statusCode),
		Message: message,
	}
	_ = json.NewEncoder(w).Encode(body)
}
