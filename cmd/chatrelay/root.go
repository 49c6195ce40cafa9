package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Veraticus/chatrelay/internal/config"
)

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:           "chatrelay",
		Short:         "Relay Telegram chats to an AI backend",
		Long:          "chatrelay receives Telegram messages, generates replies with Gemini or an OpenAI-compatible backend, and keeps per-user conversations across restarts.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "",
		"path to a YAML config file (default: ./chatrelay.yaml or /etc/chatrelay/chatrelay.yaml)")

	rootCmd.AddCommand(
		newServeCmd(opts),
		newConfigCmd(opts),
		newHistoryCmd(opts),
		newVersionCmd(),
	)

	return rootCmd
}

func newConfigCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration with secrets masked",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}

			out, err := cfg.YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version)
			return err
		},
	}
}
