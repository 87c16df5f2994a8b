package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/OnslaughtSnail/bibforge/kernel/ledger"
)

func newHistoryCmd(root *rootOptions) *cobra.Command {
	var (
		limit     int
		sessionID string
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent sessions recorded in the ledger",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			if cfg.Ledger.Path == "" {
				return fmt.Errorf("ledger is disabled (ledger.path is empty)")
			}
			a, err := wireApp(cmd.Context(), cfg, wireOptions{console: cmd.ErrOrStderr()})
			if err != nil {
				return err
			}
			defer a.close()

			if sessionID != "" {
				return printCompilations(cmd, a.ledger, sessionID, limit)
			}
			rows, err := a.ledger.Sessions(cmd.Context(), limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SESSION\tCREATED\tCOMPILATIONS\tEXPIRED")
			for _, row := range rows {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", row.SessionID, formatTime(row.CreatedAt), row.Compilations, formatTime(row.ExpiredAt))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum rows to list")
	cmd.Flags().StringVar(&sessionID, "session", "", "list the compilations of one session instead")
	return cmd
}

func printCompilations(cmd *cobra.Command, l *ledger.Ledger, sessionID string, limit int) error {
	known, err := l.HasSession(cmd.Context(), sessionID)
	if err != nil {
		return err
	}
	if !known {
		return fmt.Errorf("session %s is not in the ledger", sessionID)
	}
	rows, err := l.Compilations(cmd.Context(), sessionID, limit)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "AT\tSTYLE\tSTATUS\tSTAGE\tEXIT CODES\tELAPSED")
	for _, row := range rows {
		stage := row.Stage
		if stage == "" {
			stage = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%v\t%s\n", formatTime(row.At), row.Style, row.Status, stage, row.ExitCodes, row.Elapsed.Round(time.Millisecond))
	}
	return tw.Flush()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}
