package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newStylesCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "styles",
		Short: "List the bibliography styles in the catalog",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			a, err := wireApp(cmd.Context(), cfg, wireOptions{console: cmd.ErrOrStderr()})
			if err != nil {
				return err
			}
			defer a.close()
			names, err := a.catalog.Names(cmd.Context())
			if err != nil {
				return err
			}
			for _, name := range names {
				if _, err := fmt.Fprintln(cmd.OutOrStdout(), name); err != nil {
					return err
				}
			}
			return nil
		},
	}
}
