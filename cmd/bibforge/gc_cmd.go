package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newGCCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "gc",
		Short: "Remove session workspaces left behind by previous runs",
		Long:  "gc runs one collection cycle with the orphan sweep enabled. Every session directory on disk older than the inactivity limit is removed.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			cfg.Sessions.OrphanSweep = true
			a, err := wireApp(cmd.Context(), cfg, wireOptions{console: cmd.ErrOrStderr()})
			if err != nil {
				return err
			}
			defer a.close()

			result := a.collector.RunNow(cmd.Context())
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "removed %d orphaned session(s)\n", len(result.Orphans))
			for _, id := range result.Orphans {
				fmt.Fprintf(out, "  %s\n", id)
			}
			if len(result.Errors) > 0 {
				for _, cerr := range result.Errors {
					fmt.Fprintf(cmd.ErrOrStderr(), "%v\n", cerr)
				}
				return exitCodeError{msg: fmt.Sprintf("%d session(s) could not be removed", len(result.Errors))}
			}
			return nil
		},
	}
}
