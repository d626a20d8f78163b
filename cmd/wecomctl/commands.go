package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/memohai/memoh-wecom/internal/config"
	"github.com/memohai/memoh-wecom/internal/conversation"
	"github.com/memohai/memoh-wecom/internal/fallback"
	"github.com/memohai/memoh-wecom/internal/kv"
	"github.com/memohai/memoh-wecom/internal/logger"
	"github.com/memohai/memoh-wecom/internal/version"
	"github.com/memohai/memoh-wecom/internal/wecom/crypto"
)

type rootOptions struct {
	configPath string
	storePath  string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	defaultConfig := os.Getenv("CONFIG_PATH")
	if strings.TrimSpace(defaultConfig) == "" {
		defaultConfig = config.DefaultConfigPath
	}

	root := &cobra.Command{
		Use:           "wecomctl",
		Short:         "Manage push URLs and check the WeCom gateway config",
		Version:       version.GetInfo(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", defaultConfig, "path to config.toml")
	root.PersistentFlags().StringVar(&opts.storePath, "store", "", "push url database (defaults to storage.push_store_path)")

	root.AddCommand(newPushURLCmd(opts), newCheckCmd(opts))
	return root
}

func newPushURLCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "push-url",
		Short: "Manage per-scope robot webhooks used for fallback delivery",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List configured push URLs",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withStore(cmd.Context(), opts, func(ctx context.Context, store *kv.Store) error {
					prefix := conversation.PushURLKey("")
					entries, err := store.List(ctx, prefix)
					if err != nil {
						return err
					}
					w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
					fmt.Fprintln(w, "SCOPE\tURL\tUPDATED")
					for _, e := range entries {
						fmt.Fprintf(w, "%s\t%s\t%s\n", strings.TrimPrefix(e.Key, prefix), logger.RedactURL(e.Value), e.UpdatedAt.Format("2006-01-02 15:04:05"))
					}
					return w.Flush()
				})
			},
		},
		&cobra.Command{
			Use:   "set <scope> <url>",
			Short: "Set the push URL of a scope",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				scope, url := strings.TrimSpace(args[0]), strings.TrimSpace(args[1])
				if !fallback.IsValidRobotURL(url) {
					return fmt.Errorf("not a robot webhook url: %s", logger.RedactURL(url))
				}
				return withStore(cmd.Context(), opts, func(ctx context.Context, store *kv.Store) error {
					if err := store.Set(ctx, conversation.PushURLKey(scope), url); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "push url set for %s\n", scope)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "delete <scope>",
			Short: "Remove the push URL of a scope",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				scope := strings.TrimSpace(args[0])
				return withStore(cmd.Context(), opts, func(ctx context.Context, store *kv.Store) error {
					removed, err := store.Delete(ctx, conversation.PushURLKey(scope))
					if err != nil {
						return err
					}
					if !removed {
						return fmt.Errorf("no push url for %s", scope)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "push url removed for %s\n", scope)
					return nil
				})
			},
		},
	)
	return cmd
}

func newCheckCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the config and the WeCom crypto material",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := cfg.WeCom.Validate(); err != nil {
				return err
			}
			if _, err := crypto.New(cfg.WeCom.Token, cfg.WeCom.EncodingAESKey); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "webhook path: %s\n", cfg.WeCom.WebhookPath)
			fmt.Fprintf(out, "lock timeout: %s\n", cfg.WeCom.LockTimeout())
			fmt.Fprintf(out, "history turns: %d\n", cfg.WeCom.HistoryTurns())
			if url := cfg.WeCom.FallbackURL(); url != "" && !fallback.IsValidRobotURL(url) {
				return errors.New("wecom fallback_robot_webhook_url is not a robot webhook url")
			}
			fmt.Fprintln(out, "config ok")
			return nil
		},
	}
}

func withStore(ctx context.Context, opts *rootOptions, fn func(context.Context, *kv.Store) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	path := strings.TrimSpace(opts.storePath)
	if path == "" {
		cfg, err := config.Load(opts.configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		path = cfg.Storage.PushStorePath
	}
	store, err := kv.Open(logger.Discard(), path)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(ctx, store)
}
