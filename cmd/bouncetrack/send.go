package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"mail-deliverability-go/internal/app"
	"mail-deliverability-go/internal/transport"
)

var sendTo []string

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send a message read from stdin with signed return paths",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(sendTo) == 0 {
			return errors.New("at least one --to recipient is required")
		}
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("failed to read message: %w", err)
		}

		return withApp(cmd.Context(), func(a *app.App) error {
			err := a.Sender.Send(cmd.Context(), transport.Envelope{To: sendTo, Data: data})
			var refused *transport.RecipientsRefusedError
			if errors.As(err, &refused) {
				for _, r := range refused.Rejections() {
					fmt.Fprintf(cmd.ErrOrStderr(), "refused %s: %d %s\n", r.Recipient, r.Code, r.Diagnostic)
				}
			}
			return err
		})
	},
}

func init() {
	sendCmd.Flags().StringSliceVar(&sendTo, "to", nil, "Recipient address (repeatable)")
	rootCmd.AddCommand(sendCmd)
}
