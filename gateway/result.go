package gateway

// Language is one runtime offered by the backend.
type Language struct {
	Name          string   `json:"name"`
	Version       string   `json:"version"`
	FileExtension string   `json:"fileExtension"`
	DisplayLabel  string   `json:"displayLabel"`
	Aliases       []string `json:"aliases,omitempty"`
}

// ExecutionResult is the normalized outcome of a remote run. Treat it as
// immutable once returned.
type ExecutionResult struct {
	Language        string `json:"language"`
	Version         string `json:"version"`
	Success         bool   `json:"success"`
	Stdout          string `json:"stdout"`
	Stderr          string `json:"stderr"`
	ExitCode        int    `json:"exitCode"`
	Signal          string `json:"signal,omitempty"`
	ExecutionTimeMs int64  `json:"executionTimeMs"`
	MemoryKB        int64  `json:"memoryKB"`
	// Stage is "compile" when the program never got past compilation.
	Stage string `json:"stage,omitempty"`
}

// Err returns a *BackendExecutionError when the program itself failed, and
// nil when it succeeded.
func (r *ExecutionResult) Err() error {
	if r == nil || r.Success {
		return nil
	}
	return &BackendExecutionError{
		ExitCode: r.ExitCode,
		Signal:   r.Signal,
		Stderr:   r.Stderr,
	}
}
