package main

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/caffeineduck/blockrun/gateway"
)

var execCmd = &cobra.Command{
	Use:   "exec [file]",
	Short: "Run source code on the remote execution service",
	Long: `Send source code to a Piston compatible execution service and print
what the program wrote.

The language is taken from --lang, or inferred from the file extension.
Only languages the service lists are accepted. A program that fails still
prints its output; the command then exits non-zero.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runExec,
}

var langsCmd = &cobra.Command{
	Use:   "langs",
	Short: "List languages offered by the remote execution service",
	Args:  cobra.NoArgs,
	RunE:  runLangs,
}

func init() {
	execCmd.Flags().StringP("code", "c", "", "Source to run instead of a file")
	execCmd.Flags().StringP("lang", "l", "", "Language name, alias or name@version")
	execCmd.Flags().Bool("json", false, "Print the normalized result as JSON")
	addGatewayFlags(execCmd)
	addGatewayFlags(langsCmd)
	rootCmd.AddCommand(execCmd, langsCmd)
}

func runExec(cmd *cobra.Command, args []string) error {
	source, _ := cmd.Flags().GetString("code")
	language, _ := cmd.Flags().GetString("lang")
	asJSON, _ := cmd.Flags().GetBool("json")
	filename := fileArg(args)

	if source == "" {
		data, err := readInput(cmd, filename)
		if err != nil {
			return err
		}
		source = string(data)
	}

	client := newGateway()
	ctx := cmd.Context()
	langs, err := client.ListLanguages(ctx)
	if err != nil {
		return err
	}
	if language == "" {
		language = languageForFile(langs, filename)
		if language == "" {
			return fmt.Errorf("language required: use --lang")
		}
	}

	res, err := client.Run(ctx, language, source)
	if err != nil {
		return err
	}

	if asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
	} else {
		printView(cmd.OutOrStdout(), cmd.ErrOrStderr(), gateway.Render(res))
	}
	return res.Err()
}

// languageForFile returns the first listed language whose extension matches.
func languageForFile(langs []gateway.Language, filename string) string {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), ".")
	if ext == "" {
		return ""
	}
	for _, l := range langs {
		if l.FileExtension == ext {
			return l.Name + "@" + l.Version
		}
	}
	return ""
}

func printView(out, errOut io.Writer, v gateway.View) {
	if v.Stdout != "" {
		fmt.Fprintln(out, v.Stdout)
	}
	if v.Stderr != "" {
		fmt.Fprintln(errOut, v.Stderr)
	}
	if v.Badge != nil && v.Meta != "" {
		fmt.Fprintf(errOut, "[%s] %s\n", v.Badge.Label, v.Meta)
	}
}

func runLangs(cmd *cobra.Command, args []string) error {
	langs, err := newGateway().ListLanguages(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, l := range langs {
		fmt.Fprintf(out, "%-14s %-10s .%-6s %s\n", l.Name, l.Version, l.FileExtension, strings.Join(l.Aliases, ","))
	}
	return nil
}
