package gateway

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ViewKind distinguishes what the output area is showing.
type ViewKind string

const (
	ViewResult     ViewKind = "result"
	ViewTransport  ViewKind = "transport_error"
	ViewValidation ViewKind = "validation_error"
	ViewPending    ViewKind = "pending"
)

// Badge is the exit-status marker shown next to a result.
type Badge struct {
	Label   string `json:"label"`
	Success bool   `json:"success"`
}

// View is what the output area renders for one submission.
type View struct {
	Kind    ViewKind `json:"kind"`
	Stdout  string   `json:"stdout,omitempty"`
	Stderr  string   `json:"stderr,omitempty"`
	Badge   *Badge   `json:"badge,omitempty"`
	Message string   `json:"message,omitempty"`
	Meta    string   `json:"meta,omitempty"`
}

// Render turns a completed remote run into a view. Programs that failed
// still render their output; only the badge differs.
func Render(r *ExecutionResult) View {
	v := View{
		Kind:   ViewResult,
		Stdout: strings.TrimRight(r.Stdout, "\r\n"),
		Stderr: strings.TrimRight(r.Stderr, "\r\n"),
		Badge:  &Badge{Label: strconv.Itoa(r.ExitCode), Success: r.Success},
		Meta:   meta(r),
	}
	if r.Signal != "" {
		v.Badge.Label = r.Signal
	}
	if err := r.Err(); err != nil {
		v.Message = err.Error()
		if r.Stage == "compile" {
			v.Message = "compilation failed: " + v.Message
		}
	}
	return v
}

// RenderError turns a failed submission into a clearly labeled view.
func RenderError(err error) View {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return View{Kind: ViewValidation, Message: verr.Error()}
	}
	var terr *TransportError
	if errors.As(err, &terr) {
		return View{Kind: ViewTransport, Message: "execution service unavailable: " + terr.Message}
	}
	return View{Kind: ViewTransport, Message: err.Error()}
}

func meta(r *ExecutionResult) string {
	var parts []string
	if r.Language != "" {
		parts = append(parts, strings.TrimSpace(r.Language+" "+r.Version))
	}
	if r.ExecutionTimeMs > 0 {
		parts = append(parts, fmt.Sprintf("%d ms", r.ExecutionTimeMs))
	}
	if r.MemoryKB > 0 {
		parts = append(parts, fmt.Sprintf("%d KB", r.MemoryKB))
	}
	return strings.Join(parts, " · ")
}
