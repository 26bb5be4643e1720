package main

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/caffeineduck/blockrun/block"
	"github.com/caffeineduck/blockrun/gateway"
	"github.com/caffeineduck/blockrun/generator"
	"github.com/caffeineduck/blockrun/internal/config"
	"github.com/caffeineduck/blockrun/internal/logging"
	"github.com/caffeineduck/blockrun/sandbox"
)

var rootCmd = &cobra.Command{
	Use:   "blockrun",
	Short: "Compile and run block programs",
	Long: `blockrun - Turn block workspaces into JavaScript and run them.

A workspace is a JSON or YAML document describing a forest of blocks. It can
be compiled to JavaScript, run in a WebAssembly sandbox with its console
output captured, or served to editors over HTTP. Source in other languages
can be sent to a Piston execution service.

Configuration comes from flags, BLOCKRUN_* environment variables, a .env
file and an optional config file, in that order of precedence.`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

// Loaded by setup before any command runs.
var (
	cfg    *config.Config
	logger *slog.Logger
)

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	d := config.Default()
	rootCmd.PersistentFlags().String("config", "", "Config file (yaml, json or toml)")
	rootCmd.PersistentFlags().String("log-level", d.Log.Level, "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-format", d.Log.Format, "Log format: text, json")
}

func setup(cmd *cobra.Command, args []string) error {
	if err := config.LoadDotEnv(".env"); err != nil {
		return err
	}
	v := config.New()
	if err := config.BindFlags(v, cmd.Flags()); err != nil {
		return err
	}
	file, _ := cmd.Flags().GetString("config")
	c, err := config.Load(v, file)
	if err != nil {
		return err
	}
	cfg = c
	logger = logging.NewWriter(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format)
	return nil
}

// addSandboxFlags registers flags for the sandbox and generator config keys.
func addSandboxFlags(cmd *cobra.Command) {
	d := config.Default()
	cmd.Flags().Duration("sandbox-timeout", d.Sandbox.Timeout, "Wall-time limit per run")
	cmd.Flags().Uint32("sandbox-memory-mb", d.Sandbox.MemoryMB, "Memory cap per run in MB (0 lifts the cap)")
	cmd.Flags().Bool("sandbox-disk-cache", d.Sandbox.DiskCache, "Cache the compiled interpreter on disk")
	cmd.Flags().Int("generator-loop-limit", d.Generator.LoopLimit, "Total loop iterations before a program throws (0 disables)")
}

func addGatewayFlags(cmd *cobra.Command) {
	d := config.Default()
	cmd.Flags().String("gateway-url", d.Gateway.URL, "Piston API base URL")
	cmd.Flags().Duration("gateway-timeout", d.Gateway.Timeout, "HTTP timeout per backend call")
}

func compileOptions() []generator.Option {
	return []generator.Option{
		generator.WithLoopLimit(cfg.Generator.LoopLimit),
		generator.WithIndent(cfg.Generator.Indent),
	}
}

func newExecutor(lang sandbox.Language) (*sandbox.Executor, error) {
	opts := []sandbox.ExecutorOption{
		sandbox.WithLogger(logger),
		sandbox.WithMemoryLimit(cfg.Sandbox.MemoryPages()),
	}
	if cfg.Sandbox.DiskCache {
		var dirs []string
		if cfg.Sandbox.CacheDir != "" {
			dirs = append(dirs, cfg.Sandbox.CacheDir)
		}
		opts = append(opts, sandbox.WithDiskCache(dirs...))
	}
	if cfg.Sandbox.Precompile {
		opts = append(opts, sandbox.WithPrecompile(lang))
	}
	return sandbox.New(opts...)
}

func newGateway() *gateway.Client {
	return gateway.NewClient(cfg.Gateway.URL,
		gateway.WithRateLimit(cfg.Gateway.RateLimit, cfg.Gateway.Burst),
		gateway.WithHTTPClient(&http.Client{
			Timeout:   cfg.Gateway.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}),
		gateway.WithLogger(logger),
	)
}

// readInput returns the named file, or stdin when name is empty or "-".
// An interactive stdin is refused rather than waited on.
func readInput(cmd *cobra.Command, name string) ([]byte, error) {
	if name != "" && name != "-" {
		return os.ReadFile(name)
	}
	in := cmd.InOrStdin()
	if f, ok := in.(*os.File); ok {
		if stat, err := f.Stat(); err == nil && stat.Mode()&os.ModeCharDevice != 0 {
			return nil, fmt.Errorf("no input: pass a file or pipe one on stdin")
		}
	}
	return io.ReadAll(in)
}

// loadWorkspace picks the decoder from the file extension, falling back to
// sniffing the first byte.
func loadWorkspace(name string, data []byte) (*block.Workspace, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return block.LoadYAML(data)
	case ".json":
		return block.Load(data)
	}
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '{' {
		return block.Load(data)
	}
	return block.LoadYAML(data)
}

func compileFile(cmd *cobra.Command, name string) (*generator.Script, error) {
	data, err := readInput(cmd, name)
	if err != nil {
		return nil, err
	}
	ws, err := loadWorkspace(name, data)
	if err != nil {
		return nil, err
	}
	return generator.Compile(ws, compileOptions()...)
}

func fileArg(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return ""
}
