package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/Veraticus/chatrelay/internal/config"
	"github.com/Veraticus/chatrelay/internal/conversation"
)

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var fromSnapshot bool

	cmd := &cobra.Command{
		Use:   "history <user-key>",
		Short: "Print a user's persisted conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			if cfg.Storage.Backend == "memory" {
				return errors.New("history needs a persistent storage backend (redis or postgres)")
			}

			ctx := cmd.Context()
			client, err := dialRedis(ctx, cfg)
			if err != nil {
				return err
			}
			gateway, err := openGateway(cfg, client)
			if err != nil {
				if client != nil {
					_ = client.Close()
				}
				return err
			}
			defer gateway.Close()
			if client != nil && cfg.Storage.Backend != "redis" {
				defer client.Close()
			}

			return printHistory(ctx, cmd.OutOrStdout(), gateway, args[0], fromSnapshot)
		},
	}
	cmd.Flags().BoolVar(&fromSnapshot, "snapshot", false, "print the last session snapshot instead of the full turn log")

	return cmd
}

// historySource is the read side of conversation.Gateway.
type historySource interface {
	LoadHistory(ctx context.Context, userKey string) ([]conversation.Turn, error)
	LoadSnapshot(ctx context.Context, userKey string) ([]byte, error)
}

func printHistory(ctx context.Context, w io.Writer, src historySource, userKey string, fromSnapshot bool) error {
	var turns []conversation.Turn
	if fromSnapshot {
		data, err := src.LoadSnapshot(ctx, userKey)
		if err != nil {
			return fmt.Errorf("load snapshot for %s: %w", userKey, err)
		}
		if turns, err = conversation.DecodeSnapshotHistory(data); err != nil {
			return err
		}
	} else {
		var err error
		if turns, err = src.LoadHistory(ctx, userKey); err != nil {
			return fmt.Errorf("load history for %s: %w", userKey, err)
		}
	}

	if len(turns) == 0 {
		_, err := fmt.Fprintf(w, "no turns stored for %s\n", userKey)
		return err
	}
	for _, turn := range turns {
		if _, err := fmt.Fprintf(w, "%s\t%s\t%s\n", turn.Timestamp.UTC().Format(time.RFC3339), turn.Role, turn.Text); err != nil {
			return err
		}
	}
	return nil
}
