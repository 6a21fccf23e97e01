package fault

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// Kind is the closed set of error categories used across the service.
// Every error that crosses a component boundary is one of these.
type Kind string

const (
	KindNetwork        Kind = "network"
	KindAuthentication Kind = "authentication"
	KindValidation     Kind = "validation"
	KindAudio          Kind = "audio"
	KindAPI            Kind = "api"
	KindConfiguration  Kind = "configuration"
)

// AudioOp identifies which playback operation an audio fault came from.
type AudioOp string

const (
	AudioOpPlay   AudioOp = "PLAY"
	AudioOpStop   AudioOp = "STOP"
	AudioOpPause  AudioOp = "PAUSE"
	AudioOpRecord AudioOp = "RECORD"
	AudioOpLoad   AudioOp = "LOAD"
)

// Error is the single error type exchanged between components. Code is a
// stable machine-checkable identifier; Context carries kind-specific detail
// (endpoint, status code, field name, ...).
type Error struct {
	Kind      Kind
	Code      string
	Message   string
	Timestamp time.Time
	Context   map[string]any
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s/%s: %s: %v", e.Kind, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s/%s: %s", e.Kind, e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is match on kind-sentinel values created via kindSentinel.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code != "" && t.Code != e.Code {
		return false
	}
	return t.Kind == e.Kind
}

// LogValue serializes the error as a structured log record.
func (e *Error) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("kind", string(e.Kind)),
		slog.String("code", e.Code),
		slog.String("message", e.Message),
		slog.Time("timestamp", e.Timestamp),
	}
	keys := make([]string, 0, len(e.Context))
	for k := range e.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, slog.Any(k, e.Context[k]))
	}
	if e.Cause != nil {
		attrs = append(attrs, slog.String("cause", e.Cause.Error()))
	}
	return slog.GroupValue(attrs...)
}

func newError(kind Kind, code, message string, cause error, ctx map[string]any) *Error {
	return &Error{
		Kind:      kind,
		Code:      code,
		Message:   message,
		Timestamp: time.Now().UTC(),
		Context:   ctx,
		Cause:     cause,
	}
}

// Network reports a transport-level failure reaching an upstream endpoint.
func Network(code, message, endpoint string, statusCode int, cause error) *Error {
	return newError(KindNetwork, code, message, cause, map[string]any{
		"endpoint":    endpoint,
		"status_code": statusCode,
	})
}

// Authentication reports rejected or missing credentials.
func Authentication(code, message, authMethod string, cause error) *Error {
	return newError(KindAuthentication, code, message, cause, map[string]any{
		"auth_method": authMethod,
	})
}

// Validation reports bad input or a malformed upstream response. Never retried.
func Validation(code, message, field string, value any) *Error {
	return newError(KindValidation, code, message, nil, map[string]any{
		"field": field,
		"value": value,
	})
}

// Audio reports a playback-layer failure tagged with the operation in flight.
func Audio(code, message string, op AudioOp, cause error) *Error {
	return newError(KindAudio, code, message, cause, map[string]any{
		"operation": string(op),
	})
}

// API reports a non-2xx upstream response, keeping the raw body for diagnosis.
func API(code, message, endpoint string, statusCode int, body string, cause error) *Error {
	return newError(KindAPI, code, message, cause, map[string]any{
		"endpoint":    endpoint,
		"status_code": statusCode,
		"body":        body,
	})
}

// Configuration reports a missing or invalid startup setting. Fatal, never retried.
func Configuration(code, message, missingKey string) *Error {
	return newError(KindConfiguration, code, message, nil, map[string]any{
		"missing_key": missingKey,
	})
}

// KindOf extracts the taxonomy kind from err, unwrapping as needed.
// Returns "" for errors that are not part of the taxonomy.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// StatusCodeOf returns the upstream HTTP status carried by a network or API
// fault, or 0 when the error carries none.
func StatusCodeOf(err error) int {
	var fe *Error
	if !errors.As(err, &fe) {
		return 0
	}
	if v, ok := fe.Context["status_code"].(int); ok {
		return v
	}
	return 0
}

// IsKind reports whether err belongs to the given taxonomy kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
