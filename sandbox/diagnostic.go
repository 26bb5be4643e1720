package sandbox

import (
	"errors"
	"fmt"
	"time"
)

// Channel is the console stream a diagnostic was written to.
type Channel string

const (
	ChannelInfo  Channel = "info"
	ChannelWarn  Channel = "warn"
	ChannelError Channel = "error"
)

// Diagnostic is one captured console entry. Seq starts at 1 and follows
// emission order within a run.
type Diagnostic struct {
	Seq     int     `json:"seq"`
	Channel Channel `json:"channel"`
	Text    string  `json:"text"`
}

// Status is the lifecycle state of a run.
type Status int

const (
	StatusIdle Status = iota
	StatusRunning
	StatusCompleted
	StatusFaulted
	StatusTimedOut
	// StatusDiscarded marks a run that was superseded or cancelled before it
	// finished. Its output is dropped.
	StatusDiscarded
)

var statusNames = [...]string{
	StatusIdle:      "idle",
	StatusRunning:   "running",
	StatusCompleted: "completed",
	StatusFaulted:   "faulted",
	StatusTimedOut:  "timed_out",
	StatusDiscarded: "discarded",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("status(%d)", int(s))
	}
	return statusNames[s]
}

// Terminal reports whether s ends a run.
func (s Status) Terminal() bool {
	return s >= StatusCompleted
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	for i, name := range statusNames {
		if name == string(text) {
			*s = Status(i)
			return nil
		}
	}
	return fmt.Errorf("unknown status %q", text)
}

// ErrTimeout is wrapped by Result.Error when the wall-time limit expires.
var ErrTimeout = errors.New("sandbox timeout")

// RuntimeError is an uncaught failure inside the sandboxed program. It is
// reported as a Result error and never raised in the host.
type RuntimeError struct {
	Message string
}

func (e *RuntimeError) Error() string {
	return "sandbox runtime error: " + e.Message
}

// Result holds everything a run produced.
type Result struct {
	Diagnostics []Diagnostic
	Status      Status
	Duration    time.Duration
	Error       error
}
