package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/mstgnz/paygate/app"
	"github.com/mstgnz/paygate/infra/config"
	"github.com/mstgnz/paygate/refund"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

// Version is set at build time
var Version = "dev"

func main() {
	if err := newRootCmd(loadApp).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// appLoader builds the App once per command
type appLoader func(ctx context.Context) (*app.App, error)

func loadApp(ctx context.Context) (*app.App, error) {
	if err := godotenv.Load(config.GetEnv("ENV_FILE", ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return app.Build(ctx, cfg, Version)
}

func (load appLoader) run(ctx context.Context, out io.Writer, fn func(*app.App) (any, error)) error {
	a, err := load(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	result, err := fn(a)
	if result != nil {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(result); encErr != nil {
			return encErr
		}
	}
	return err
}

func newRootCmd(load appLoader) *cobra.Command {
	var timeout time.Duration

	root := &cobra.Command{
		Use:           "paygatectl",
		Short:         "Operate the paygate payment reconciler",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().DurationVarP(&timeout, "timeout", "t", config.GetDurationEnv("PAYGATECTL_TIMEOUT", 60*time.Second), "Deadline for the whole command")

	withCtx := func(cmd *cobra.Command, fn func(context.Context, *app.App) (any, error)) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		return load.run(ctx, cmd.OutOrStdout(), func(a *app.App) (any, error) {
			return fn(ctx, a)
		})
	}

	root.AddCommand(
		pollCmd(withCtx),
		refundCmd(withCtx),
		cancelCmd(withCtx),
		installmentsCmd(withCtx),
		binCmd(withCtx),
		sweepCmd(withCtx),
		pingCmd(withCtx),
		auditCmd(withCtx),
	)
	return root
}

type runner func(cmd *cobra.Command, fn func(context.Context, *app.App) (any, error)) error

func pollCmd(run runner) *cobra.Command {
	return &cobra.Command{
		Use:   "poll [reference]",
		Short: "Pull the authoritative result of a transaction from the gateway",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(ctx context.Context, a *app.App) (any, error) {
				return a.Reconciler.Poll(ctx, args[0])
			})
		},
	}
}

func refundCmd(run runner) *cobra.Command {
	var key string

	cmd := &cobra.Command{
		Use:   "refund [reference] [amount]",
		Short: "Refund part or all of a settled transaction",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := decimal.NewFromString(args[1])
			if err != nil {
				return fmt.Errorf("invalid amount %q: %w", args[1], err)
			}
			return run(cmd, func(ctx context.Context, a *app.App) (any, error) {
				return a.Refunds.Refund(ctx, refund.Request{
					LocalReference: args[0],
					Amount:         amount,
					IdempotencyKey: key,
				})
			})
		},
	}
	cmd.Flags().StringVarP(&key, "key", "k", "", "Idempotency key (required)")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

func cancelCmd(run runner) *cobra.Command {
	var key string

	cmd := &cobra.Command{
		Use:   "cancel [reference]",
		Short: "Void a settled payment in full on the day it was taken",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(ctx context.Context, a *app.App) (any, error) {
				return a.Refunds.Cancel(ctx, refund.CancelRequest{
					LocalReference: args[0],
					IdempotencyKey: key,
				})
			})
		},
	}
	cmd.Flags().StringVarP(&key, "key", "k", "", "Idempotency key (required)")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

func installmentsCmd(run runner) *cobra.Command {
	var maxInstallments int

	cmd := &cobra.Command{
		Use:   "installments [bin] [amount]",
		Short: "Price installment plans for a card prefix",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := decimal.NewFromString(args[1])
			if err != nil {
				return fmt.Errorf("invalid amount %q: %w", args[1], err)
			}
			return run(cmd, func(ctx context.Context, a *app.App) (any, error) {
				return a.Resolver.Resolve(ctx, args[0], amount, maxInstallments)
			})
		},
	}
	cmd.Flags().IntVarP(&maxInstallments, "max", "m", 0, "Installment ceiling, 0 uses the configured maximum")
	return cmd
}

func binCmd(run runner) *cobra.Command {
	return &cobra.Command{
		Use:   "bin [bin]",
		Short: "Look up the issuer of a six digit card prefix",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(ctx context.Context, a *app.App) (any, error) {
				return a.Resolver.LookupBIN(ctx, args[0])
			})
		},
	}
}

func sweepCmd(run runner) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire overdue transactions once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(ctx context.Context, a *app.App) (any, error) {
				n, err := a.Sweeper.RunOnce(ctx)
				return map[string]int{"settled": n}, err
			})
		},
	}
}

func pingCmd(run runner) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check gateway credentials and connectivity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(ctx context.Context, a *app.App) (any, error) {
				return a.Gateway.Ping(ctx)
			})
		},
	}
}

func auditCmd(run runner) *cobra.Command {
	var hours int
	cmd := &cobra.Command{
		Use:   "audit [reference]",
		Short: "Show recorded gateway exchanges for a reference, or recent security events",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && hours <= 0 {
				return errors.New("a reference or --security-hours is required")
			}
			return run(cmd, func(ctx context.Context, a *app.App) (any, error) {
				if a.Audit == nil {
					return nil, errors.New("audit trail is not enabled")
				}
				if len(args) == 0 {
					return a.Audit.RecentSecurityEvents(ctx, hours)
				}
				return a.Audit.ExchangesForReference(ctx, args[0])
			})
		},
	}
	cmd.Flags().IntVar(&hours, "security-hours", 0, "List security events from the last N hours instead")
	return cmd
}
