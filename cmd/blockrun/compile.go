package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/caffeineduck/blockrun/internal/config"
)

var compileCmd = &cobra.Command{
	Use:   "compile [workspace]",
	Short: "Print the JavaScript for a workspace",
	Long: `Compile a block workspace to JavaScript and print it.

The workspace is read from the file argument, or from stdin when no file is
given. Files ending in .yaml or .yml are parsed as YAML.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runCompile,
}

func init() {
	d := config.Default()
	compileCmd.Flags().Int("generator-loop-limit", d.Generator.LoopLimit, "Total loop iterations before a program throws (0 disables)")
	compileCmd.Flags().Bool("stats", false, "Print root, block and variable counts to stderr")
	rootCmd.AddCommand(compileCmd)
}

func runCompile(cmd *cobra.Command, args []string) error {
	script, err := compileFile(cmd, fileArg(args))
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), script.Source)

	if stats, _ := cmd.Flags().GetBool("stats"); stats {
		fmt.Fprintf(cmd.ErrOrStderr(), "roots: %d, blocks: %d, variables: %d\n",
			script.Roots, script.Nodes, len(script.Variables))
	}
	return nil
}
