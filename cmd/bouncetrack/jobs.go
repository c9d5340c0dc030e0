package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"mail-deliverability-go/internal/app"
)

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var scanMailboxCmd = &cobra.Command{
	Use:   "scan-mailbox",
	Short: "Read unseen messages from the bounce mailbox once",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app.App) error {
			res, err := a.ScanMailbox(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(res)
		})
	},
}

var tailLogCmd = &cobra.Command{
	Use:   "tail-log",
	Short: "Correlate new transport log lines once",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app.App) error {
			res, err := a.TailLog(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(res)
		})
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete bounce records and delivery logs past the retention",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app.App) error {
			records, deliveries, err := a.Cleanup(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(map[string]int64{
				"bounce_records": records,
				"delivery_logs":  deliveries,
			})
		})
	},
}

func init() {
	rootCmd.AddCommand(scanMailboxCmd, tailLogCmd, cleanupCmd)
}
