package gateway

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrEmptySource     = errors.New("source is empty")
	ErrUnknownLanguage = errors.New("language not in allow-list")
)

// ValidationError rejects a submission before anything is sent.
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// TransportError means the call to the backend could not complete. Message
// is the backend's own message when it sent one, otherwise the network error.
type TransportError struct {
	Op         string
	StatusCode int
	Message    string
	Err        error
}

func (e *TransportError) Error() string {
	return e.Message
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// BackendExecutionError describes a program the backend ran that exited
// abnormally. It is a displayable outcome, never returned by Run.
type BackendExecutionError struct {
	ExitCode int
	Signal   string
	Stderr   string
}

func (e *BackendExecutionError) Error() string {
	var b strings.Builder
	if e.Signal != "" {
		fmt.Fprintf(&b, "program killed by %s", e.Signal)
	} else {
		fmt.Fprintf(&b, "program exited with code %d", e.ExitCode)
	}
	if line := firstLine(e.Stderr); line != "" {
		b.WriteString(": ")
		b.WriteString(line)
	}
	return b.String()
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}
