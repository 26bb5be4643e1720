package sandbox

// Language defines a WASM-based interpreter the sandbox can run.
type Language interface {
	// Name is used as the cache key for the compiled module.
	Name() string

	// Module returns the WASM binary for the interpreter.
	Module() []byte

	// WrapCode builds the execution document around a program. The document
	// must install the framed console before the program runs.
	WrapCode(code string) string

	// Args returns the command-line arguments passed to the module.
	Args(wrappedCode string) []string
}
