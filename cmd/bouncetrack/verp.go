package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"mail-deliverability-go/internal/verp"
)

func newCodec() (*verp.Codec, error) {
	return verp.NewCodec(verp.Options{
		Template:     cfg.Bounce.AddressTemplate,
		Secret:       cfg.Bounce.SecretKey,
		LegacySecret: cfg.Bounce.LegacySecretKey,
		MaxAge:       cfg.Bounce.MaxAge,
	})
}

var encodeCmd = &cobra.Command{
	Use:   "encode <email>",
	Short: "Print the bounce return path for a recipient",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		codec, err := newCodec()
		if err != nil {
			return err
		}
		addr, err := codec.Encode(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), addr)
		return nil
	},
}

var decodeCmd = &cobra.Command{
	Use:   "decode <bounce-address>",
	Short: "Recover the recipient from a bounce return path",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		codec, err := newCodec()
		if err != nil {
			return err
		}
		email, status := codec.Decode(args[0])
		if status != verp.StatusValid {
			return fmt.Errorf("bounce address is %s", status)
		}
		fmt.Fprintln(cmd.OutOrStdout(), email)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(encodeCmd, decodeCmd)
}
