package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/caffeineduck/blockrun/gateway"
)

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Interactive prompt for the remote execution service",
	Long: `Start an interactive prompt that sends each entry to the remote
execution service and shows the program's output.

Features:
  - Command history (up/down arrows)
  - Line editing (left/right, backspace, delete)
  - History search (Ctrl+R)
  - Multi-line input (end line with \)

Commands:
  :lang NAME   switch language
  :langs       list available languages

Type 'exit' or 'quit' to end the session, or press Ctrl+D.`,
	Args: cobra.NoArgs,
	RunE: runRepl,
}

func init() {
	replCmd.Flags().StringP("lang", "l", "", "Language name, alias or name@version (required)")
	replCmd.Flags().String("history", "", "History file path (default: ~/.blockrun_history)")
	addGatewayFlags(replCmd)
	rootCmd.AddCommand(replCmd)
}

func runRepl(cmd *cobra.Command, args []string) error {
	language, _ := cmd.Flags().GetString("lang")
	historyFile, _ := cmd.Flags().GetString("history")

	if historyFile == "" {
		home, _ := os.UserHomeDir()
		historyFile = filepath.Join(home, ".blockrun_history")
	}

	client := newGateway()
	langs, err := client.ListLanguages(cmd.Context())
	if err != nil {
		return err
	}
	if language == "" {
		return fmt.Errorf("language required: use --lang")
	}
	if _, err := client.Resolve(language); err != nil {
		return err
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            ">>> ",
		HistoryFile:       historyFile,
		HistoryLimit:      1000,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
		Stdout:            cmd.OutOrStdout(),
		Stderr:            cmd.ErrOrStderr(),
	})
	if err != nil {
		return fmt.Errorf("initialize readline: %w", err)
	}
	defer rl.Close()

	out, errOut := rl.Stdout(), rl.Stderr()
	panel := gateway.NewPanel(client, logger)

	fmt.Fprintf(errOut, "blockrun %s REPL via %s (type 'exit' to quit, Ctrl+D to exit)\n", language, cfg.Gateway.URL)

	var multiLine strings.Builder
	inMultiLine := false

	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				if inMultiLine {
					multiLine.Reset()
					inMultiLine = false
					rl.SetPrompt(">>> ")
				}
				continue
			}
			if errors.Is(err, io.EOF) {
				fmt.Fprintln(out)
				return nil
			}
			return fmt.Errorf("read input: %w", err)
		}

		if strings.HasSuffix(line, "\\") {
			multiLine.WriteString(strings.TrimSuffix(line, "\\"))
			multiLine.WriteString("\n")
			inMultiLine = true
			rl.SetPrompt("... ")
			continue
		}

		if inMultiLine {
			multiLine.WriteString(line)
			line = multiLine.String()
			multiLine.Reset()
			inMultiLine = false
			rl.SetPrompt(">>> ")
		}

		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "":
			continue
		case trimmed == "exit" || trimmed == "quit":
			return nil
		case trimmed == ":langs":
			for _, l := range langs {
				fmt.Fprintf(out, "%s (%s)\n", l.DisplayLabel, l.Name+"@"+l.Version)
			}
			continue
		case strings.HasPrefix(trimmed, ":lang "):
			next := strings.TrimSpace(strings.TrimPrefix(trimmed, ":lang "))
			if _, err := client.Resolve(next); err != nil {
				fmt.Fprintf(errOut, "Error: %v\n", err)
				continue
			}
			language = next
			continue
		}

		submit(cmd.Context(), panel, language, line, out, errOut)
	}
}

// submit runs one entry and waits for the panel to settle. Ctrl+C stops
// waiting; the outstanding call's result is dropped by the panel when the
// next entry is submitted.
func submit(ctx context.Context, panel *gateway.Panel, language, source string, out, errOut io.Writer) {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	panel.Submit(context.WithoutCancel(ctx), language, source)
	snap, err := panel.Wait(ctx)
	if err != nil {
		fmt.Fprintln(errOut, "^C")
		return
	}
	printView(out, errOut, snap.View)
	if snap.View.Message != "" {
		fmt.Fprintln(errOut, snap.View.Message)
	}
}
