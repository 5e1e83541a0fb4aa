package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"milestonepay/internal/app"
	"milestonepay/internal/config"
	"milestonepay/internal/ledger"
	"milestonepay/pkg/db"
	"milestonepay/pkg/logger"
	"milestonepay/pkg/rbac"
	"milestonepay/pkg/util"
)

type cli struct {
	loadConfig func() (*config.Config, error)
	out        io.Writer
}

func (c *cli) setup() (*config.Config, *zap.Logger, error) {
	cfg, err := c.loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, logger.NewLogger(cfg.Log.Level), nil
}

// withApp 为需要完整服务栈的命令建立连接
func (c *cli) withApp(ctx context.Context, fn func(a *app.App) error) error {
	cfg, log, err := c.setup()
	if err != nil {
		return err
	}
	defer log.Sync()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func newRootCmd(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:           "paymentctl",
		Short:         "Operate the milestone payment service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(c.out)

	root.AddCommand(
		newMigrateCmd(c),
		newReconcileCmd(c),
		newOutboxCmd(c),
		newWebhookCmd(c),
		newTokenCmd(c),
	)
	return root
}

func newMigrateCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the ledger and outbox schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := c.setup()
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx := cmd.Context()
			pool, err := db.NewConnection(ctx, cfg.DB, log)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := ledger.Migrate(ctx, pool, log); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema applied")
			return nil
		},
	}
}

func newReconcileCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation pass against the processor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(a *app.App) error {
				r := a.Sweeper.RunOnce(cmd.Context())
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "intents checked:   %d\n", r.IntentsChecked)
				fmt.Fprintf(out, "intents confirmed: %d\n", r.IntentsConfirmed)
				fmt.Fprintf(out, "intents failed:    %d\n", r.IntentsFailed)
				fmt.Fprintf(out, "intents pending:   %d\n", r.IntentsPending)
				fmt.Fprintf(out, "events replayed:   %d\n", r.EventsReplayed)
				fmt.Fprintf(out, "events failed:     %d\n", r.EventsFailed)
				fmt.Fprintf(out, "transfers paid:    %d\n", r.TransfersPaid)
				fmt.Fprintf(out, "errors:            %d\n", r.Errors)
				if r.Errors > 0 {
					return fmt.Errorf("reconciliation finished with %d errors", r.Errors)
				}
				return nil
			})
		},
	}
}

func newOutboxCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect and replay outbox events",
	}

	var id int64
	replay := &cobra.Command{
		Use:   "replay",
		Short: "Replay a single outbox event",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id <= 0 {
				return fmt.Errorf("--id is required")
			}
			return c.withApp(cmd.Context(), func(a *app.App) error {
				if err := a.Replay.ReplayEvent(cmd.Context(), id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "event %d replayed\n", id)
				return nil
			})
		},
	}
	replay.Flags().Int64Var(&id, "id", 0, "outbox event id")

	var limit int
	replayFailed := &cobra.Command{
		Use:   "replay-failed",
		Short: "Replay failed outbox events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(a *app.App) error {
				n, err := a.Replay.ReplayFailedEvents(cmd.Context(), limit)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d events replayed\n", n)
				return nil
			})
		},
	}
	replayFailed.Flags().IntVar(&limit, "limit", 100, "maximum number of events")

	cmd.AddCommand(replay, replayFailed)
	return cmd
}

func newWebhookCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "webhook",
		Short: "Manage stored processor events",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "replay EVENT_ID",
		Short: "Re-dispatch a stored processor event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(a *app.App) error {
				res, err := a.Ingestor.Replay(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if res.Err != nil {
					return res.Err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "event %s handled=%t applied=%t\n", args[0], res.Handled, res.Applied)
				return nil
			})
		},
	})
	return cmd
}

func newTokenCmd(c *cli) *cobra.Command {
	var userID, role string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed access token for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" {
				return fmt.Errorf("--user is required")
			}
			if !rbac.ValidRole(role) {
				return fmt.Errorf("unknown role %q", role)
			}
			cfg, err := c.loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if ttl == 0 {
				ttl = cfg.JWT.TTL
			}
			tok, err := util.GenerateJWT(userID, role, cfg.JWT.Secret, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().StringVar(&role, "role", rbac.RoleClient, "client, expert or admin")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (defaults to jwt.ttl)")
	return cmd
}
