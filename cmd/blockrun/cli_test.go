package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/caffeineduck/blockrun/gateway"
	"github.com/caffeineduck/blockrun/generator"
)

const (
	helloJSON = `{"blocks":[
		{"id":"p","type":"text_print","inputs":{"TEXT":"t"}},
		{"id":"t","type":"text","fields":{"TEXT":"Hello, World!"}}]}`
	helloYAML = `blocks:
  - id: p
    type: text_print
    inputs: {TEXT: t}
  - id: t
    type: text
    fields: {TEXT: "Hello, World!"}
`
	repeatJSON = `{"blocks":[
		{"id":"r","type":"controls_repeat_ext","inputs":{"TIMES":"n","DO":"p"}},
		{"id":"n","type":"math_number","fields":{"NUM":2}},
		{"id":"p","type":"text_print","inputs":{"TEXT":"t"}},
		{"id":"t","type":"text","fields":{"TEXT":"x"}}]}`
)

// executeCommand runs root with args. Commands are package globals, so flag
// values from earlier invocations are reset first.
func executeCommand(root *cobra.Command, args ...string) (string, error) {
	resetFlags(root)
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetIn(nil)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if f.Changed {
			if sv, ok := f.Value.(pflag.SliceValue); ok {
				sv.Replace(nil)
			} else {
				f.Value.Set(f.DefValue)
			}
			f.Changed = false
		}
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestCLIHelp(t *testing.T) {
	output, err := executeCommand(rootCmd, "--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expectedPhrases := []string{
		"blockrun",
		"WebAssembly",
		"BLOCKRUN_",
		"compile",
		"run",
		"exec",
		"langs",
		"repl",
		"serve",
		"--config",
	}

	for _, phrase := range expectedPhrases {
		if !strings.Contains(output, phrase) {
			t.Errorf("help output should contain %q", phrase)
		}
	}
}

func TestCLIRunHelp(t *testing.T) {
	output, err := executeCommand(rootCmd, "run", "--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expectedPhrases := []string{
		"--code",
		"--print-source",
		"--sandbox-timeout",
		"--sandbox-memory-mb",
		"--generator-loop-limit",
		"--log-level",
	}

	for _, phrase := range expectedPhrases {
		if !strings.Contains(output, phrase) {
			t.Errorf("run help output should contain %q", phrase)
		}
	}
}

func TestCLIReplHelp(t *testing.T) {
	output, err := executeCommand(rootCmd, "repl", "--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expectedPhrases := []string{
		"--lang",
		"--history",
		"--gateway-url",
		"Command history",
		"Multi-line input",
		":lang NAME",
	}

	for _, phrase := range expectedPhrases {
		if !strings.Contains(output, phrase) {
			t.Errorf("repl help output should contain %q", phrase)
		}
	}
}

func TestCLIServeHelp(t *testing.T) {
	output, err := executeCommand(rootCmd, "serve", "--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, phrase := range []string{"--server-addr", "--store-backend", "--tracing-enabled", "/api/v1/editor"} {
		if !strings.Contains(output, phrase) {
			t.Errorf("serve help output should contain %q", phrase)
		}
	}
}

func TestCLICompile(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"json", "hello.json", helloJSON},
		{"yaml", "hello.yaml", helloYAML},
		{"sniffed json", "hello.blocks", helloJSON},
		{"sniffed yaml", "hello.blocks", helloYAML},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, tt.file, tt.content)
			output, err := executeCommand(rootCmd, "compile", path)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if output != "console.log(\"Hello, World!\");\n" {
				t.Errorf("unexpected output %q", output)
			}
		})
	}
}

func TestCLICompileStdin(t *testing.T) {
	resetFlags(rootCmd)
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetIn(strings.NewReader(helloYAML))
	rootCmd.SetArgs([]string{"compile"})
	defer rootCmd.SetIn(nil)

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(buf.String(), "Hello, World!") {
		t.Errorf("unexpected output %q", buf.String())
	}
}

func TestCLICompileLoopLimitFlag(t *testing.T) {
	path := writeFile(t, "repeat.json", repeatJSON)

	output, err := executeCommand(rootCmd, "compile", path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(output, "__blk_loops > 1000000") {
		t.Errorf("expected the default loop guard, got:\n%s", output)
	}

	output, err = executeCommand(rootCmd, "compile", "--generator-loop-limit", "0", path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(output, "__blk_loops") {
		t.Errorf("expected no loop guard, got:\n%s", output)
	}
}

func TestCLICompileErrors(t *testing.T) {
	empty := writeFile(t, "empty.json", `{"blocks":[]}`)
	_, err := executeCommand(rootCmd, "compile", empty)
	if !errors.Is(err, generator.ErrNothingToRun) {
		t.Errorf("expected ErrNothingToRun, got %v", err)
	}

	cyclic := writeFile(t, "cyclic.json", `{"blocks":[
		{"id":"a","type":"text_print","next":"b"},
		{"id":"b","type":"text_print","next":"a"}]}`)
	if _, err := executeCommand(rootCmd, "compile", cyclic); err == nil {
		t.Error("expected an error for a cyclic workspace")
	}

	if _, err := executeCommand(rootCmd, "compile", filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected an error for a missing file")
	}
}

func TestCLIConfigFile(t *testing.T) {
	path := writeFile(t, "hello.json", helloJSON)
	bad := writeFile(t, "blockrun.yaml", "log:\n  format: xml\n")

	_, err := executeCommand(rootCmd, "compile", "--config", bad, path)
	if err == nil || !strings.Contains(err.Error(), "log.format") {
		t.Errorf("expected a log.format validation error, got %v", err)
	}
}

func TestCLIRun(t *testing.T) {
	path := writeFile(t, "hello.json", helloJSON)

	output, err := executeCommand(rootCmd, "run", path)
	if err != nil {
		t.Fatalf("unexpected error: %v\n%s", err, output)
	}
	if !strings.HasPrefix(output, "Hello, World!\n") {
		t.Errorf("unexpected output %q", output)
	}
}

func TestCLIRunInlineChannels(t *testing.T) {
	output, err := executeCommand(rootCmd, "run", "-c", "console.log(1); console.warn('careful'); console.error('bad')")
	if err != nil {
		t.Fatalf("unexpected error: %v\n%s", err, output)
	}
	for _, want := range []string{"1\n", "warn: careful\n", "error: bad\n"} {
		if !strings.Contains(output, want) {
			t.Errorf("output should contain %q, got %q", want, output)
		}
	}
}

func TestCLIRunFailures(t *testing.T) {
	output, err := executeCommand(rootCmd, "run", "-c", "console.log('before'); throw new Error('boom')")
	if err == nil || !strings.Contains(err.Error(), "faulted") {
		t.Errorf("expected a faulted error, got %v", err)
	}
	if !strings.Contains(output, "before") || !strings.Contains(output, "boom") {
		t.Errorf("expected output before the fault and the fault message, got %q", output)
	}

	_, err = executeCommand(rootCmd, "run", "--sandbox-timeout", "200ms", "-c", "while (true) {}")
	if err == nil || !strings.Contains(err.Error(), "timed_out") {
		t.Errorf("expected a timed_out error, got %v", err)
	}
}

func newPiston(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/runtimes", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]any{
			{"language": "python", "version": "3.10.0", "aliases": []string{"py"}},
			{"language": "javascript", "version": "18.15.0", "aliases": []string{"js"}},
		})
	})
	mux.HandleFunc("/execute", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Language string `json:"language"`
			Files    []struct {
				Content string `json:"content"`
			} `json:"files"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		code := 0
		stderr := ""
		if strings.Contains(body.Files[0].Content, "raise") {
			code, stderr = 1, "Traceback: boom\n"
		}
		json.NewEncoder(w).Encode(map[string]any{
			"language": body.Language,
			"version":  "3.10.0",
			"run": map[string]any{
				"stdout": "ran " + body.Language + "\n",
				"stderr": stderr,
				"code":   code,
				"signal": nil,
			},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestCLILangs(t *testing.T) {
	piston := newPiston(t)

	output, err := executeCommand(rootCmd, "langs", "--gateway-url", piston.URL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(output, "python") || !strings.Contains(output, ".js") {
		t.Errorf("unexpected output %q", output)
	}
}

func TestCLIExec(t *testing.T) {
	piston := newPiston(t)

	output, err := executeCommand(rootCmd, "exec", "--gateway-url", piston.URL, "-l", "py", "-c", "print('hi')")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(output, "ran python") {
		t.Errorf("unexpected output %q", output)
	}

	path := writeFile(t, "main.js", "console.log(1)")
	output, err = executeCommand(rootCmd, "exec", "--gateway-url", piston.URL, path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(output, "ran javascript") {
		t.Errorf("expected the language to follow the file extension, got %q", output)
	}
}

func TestCLIExecFailures(t *testing.T) {
	piston := newPiston(t)

	output, err := executeCommand(rootCmd, "exec", "--gateway-url", piston.URL, "-l", "python", "-c", "raise Exception()")
	if err == nil || !strings.Contains(err.Error(), "exited with code 1") {
		t.Errorf("expected a program failure, got %v", err)
	}
	if !strings.Contains(output, "Traceback: boom") {
		t.Errorf("program output should still be shown, got %q", output)
	}

	_, err = executeCommand(rootCmd, "exec", "--gateway-url", piston.URL, "-l", "cobol", "-c", "DISPLAY 'HI'.")
	if err == nil {
		t.Error("expected an error for a language the service does not list")
	}

	_, err = executeCommand(rootCmd, "exec", "--gateway-url", piston.URL, "-c", "print(1)")
	if err == nil || !strings.Contains(err.Error(), "--lang") {
		t.Errorf("expected a missing language error, got %v", err)
	}
}

func TestLanguageForFile(t *testing.T) {
	langs := []gateway.Language{
		{Name: "python", Version: "3.10.0", FileExtension: "py"},
		{Name: "python", Version: "2.7.18", FileExtension: "py"},
		{Name: "c++", Version: "10.2.0", FileExtension: "cpp"},
	}

	tests := map[string]string{
		"main.py":   "python@3.10.0",
		"SRC/A.CPP": "c++@10.2.0",
		"notes.txt": "",
		"Makefile":  "",
		"":          "",
	}
	for file, want := range tests {
		if got := languageForFile(langs, file); got != want {
			t.Errorf("languageForFile(%q) = %q, want %q", file, got, want)
		}
	}
}
