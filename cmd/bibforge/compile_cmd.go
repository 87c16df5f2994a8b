package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/OnslaughtSnail/bibforge/kernel/compile"
)

// localCaller identifies one-shot CLI compilations.
const localCaller = "local-cli"

func newCompileCmd(root *rootOptions) *cobra.Command {
	var (
		bibPath string
		styleID string
		outPath string
	)
	cmd := &cobra.Command{
		Use:   "compile",
		Short: "Compile a .bib file once and print the formatted references",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			bib, err := readInput(cmd.InOrStdin(), bibPath)
			if err != nil {
				return err
			}
			a, err := wireApp(cmd.Context(), cfg, wireOptions{console: cmd.ErrOrStderr(), withRunner: true})
			if err != nil {
				return err
			}
			defer a.close()

			result, err := a.pipeline.Submit(cmd.Context(), localCaller, bib, styleID)
			if err != nil {
				return err
			}
			return reportResult(cmd, result, outPath)
		},
	}
	cmd.Flags().StringVar(&bibPath, "bib", "", "bibliography file, - for stdin")
	cmd.Flags().StringVar(&styleID, "style", "", "style name from the catalog")
	cmd.Flags().StringVar(&outPath, "out", "", "write the formatted references to this file instead of stdout")
	_ = cmd.MarkFlagRequired("bib")
	_ = cmd.MarkFlagRequired("style")
	return cmd
}

func readInput(stdin io.Reader, path string) (string, error) {
	if path == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read bibliography: %w", err)
	}
	return string(data), nil
}

func reportResult(cmd *cobra.Command, result compile.Result, outPath string) error {
	stderr := cmd.ErrOrStderr()
	ok := color.New(color.FgGreen, color.Bold)
	bad := color.New(color.FgRed, color.Bold)
	dim := color.New(color.Faint)

	if result.Failure != nil {
		bad.Fprintf(stderr, "%s failed", result.Failure.Stage)
		fmt.Fprintf(stderr, ": %s\n", result.Failure.Reason)
		if diag := strings.TrimSpace(result.Failure.Diagnostic); diag != "" {
			dim.Fprintln(stderr, diag)
		}
		return exitCodeError{msg: result.Failure.Error()}
	}

	if outPath != "" {
		if err := os.WriteFile(outPath, []byte(result.Output), 0o644); err != nil {
			return fmt.Errorf("write output: %w", err)
		}
	} else if _, err := io.WriteString(cmd.OutOrStdout(), result.Output); err != nil {
		return err
	}
	ok.Fprint(stderr, "compiled")
	for _, pass := range result.Passes {
		dim.Fprintf(stderr, "  %s exit=%d %s", pass.Stage, pass.ExitCode, pass.Elapsed.Round(time.Millisecond))
	}
	fmt.Fprintln(stderr)
	return nil
}
