package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/caffeineduck/blockrun/language/javascript"
	"github.com/caffeineduck/blockrun/sandbox"
)

var runCmd = &cobra.Command{
	Use:   "run [workspace]",
	Short: "Compile a workspace and run it in the sandbox",
	Long: `Compile a block workspace and run the result in a fresh WebAssembly
sandbox. The program has no filesystem, network or clock access.

Console output is printed as it is produced: info entries on stdout,
warnings and errors on stderr. The command fails when the program throws
or exceeds its time limit.

Input can be provided via:
  - File argument: blockrun run hello.json
  - Inline JavaScript: blockrun run -c 'console.log(1 + 1)'
  - Stdin: cat hello.yaml | blockrun run`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringP("code", "c", "", "JavaScript to run instead of a workspace")
	runCmd.Flags().Bool("print-source", false, "Print the compiled JavaScript to stderr before running")
	addSandboxFlags(runCmd)
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	source, _ := cmd.Flags().GetString("code")
	if source == "" {
		script, err := compileFile(cmd, fileArg(args))
		if err != nil {
			return err
		}
		source = script.Source
	}
	if show, _ := cmd.Flags().GetBool("print-source"); show {
		fmt.Fprintln(cmd.ErrOrStderr(), source)
	}

	lang := javascript.New()
	exec, err := newExecutor(lang)
	if err != nil {
		return err
	}
	defer exec.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	out, errOut := cmd.OutOrStdout(), cmd.ErrOrStderr()
	res := exec.Run(ctx, lang, source,
		sandbox.WithTimeout(cfg.Sandbox.Timeout),
		sandbox.WithDiagnosticHandler(func(d sandbox.Diagnostic) {
			printDiagnostic(out, errOut, d)
		}),
	)

	switch res.Status {
	case sandbox.StatusCompleted:
		return nil
	case sandbox.StatusDiscarded:
		return fmt.Errorf("interrupted")
	default:
		return fmt.Errorf("%s: %w", res.Status, res.Error)
	}
}

func printDiagnostic(out, errOut io.Writer, d sandbox.Diagnostic) {
	switch d.Channel {
	case sandbox.ChannelInfo:
		fmt.Fprintln(out, d.Text)
	default:
		fmt.Fprintf(errOut, "%s: %s\n", d.Channel, d.Text)
	}
}
