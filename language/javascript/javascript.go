// Package javascript provides the QuickJS language adapter for the sandbox.
package javascript

import (
	_ "embed"
	"encoding/json"

	quickjswasi "github.com/paralin/go-quickjs-wasi"
)

// prelude installs the framed console and evaluates the program passed to it.
//
//go:embed prelude.js
var prelude string

// JavaScript implements the sandbox.Language interface for JavaScript execution.
type JavaScript struct{}

// New returns a JavaScript language adapter.
func New() *JavaScript {
	return &JavaScript{}
}

// Name returns "javascript".
func (j *JavaScript) Name() string {
	return "javascript"
}

// Module returns the QuickJS WASM binary.
func (j *JavaScript) Module() []byte {
	return quickjswasi.QuickJSWASM
}

// WrapCode builds the throwaway execution document: the prelude, applied to
// the program as a string literal. Evaluating from a string means syntax
// errors in the program are reported like any other uncaught failure.
func (j *JavaScript) WrapCode(code string) string {
	quoted, _ := json.Marshal(code)
	return prelude + "(" + string(quoted) + ");\n"
}

// Args returns the command-line arguments for the QuickJS interpreter. The
// std module is loaded so the prelude can flush output; the prelude removes
// it before the program runs.
func (j *JavaScript) Args(wrappedCode string) []string {
	return []string{"qjs", "--std", "-e", wrappedCode}
}
