package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/noah-isme/dive-affiliate-payouts/internal/bootstrap"
	"github.com/noah-isme/dive-affiliate-payouts/internal/models"
	"github.com/noah-isme/dive-affiliate-payouts/pkg/config"
	appErrors "github.com/noah-isme/dive-affiliate-payouts/pkg/errors"
	"github.com/noah-isme/dive-affiliate-payouts/pkg/logger"
)

func loadRuntime() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	logr, err := logger.New(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, logr, nil
}

func withContainer(run func(ctx context.Context, c *bootstrap.Container) error) error {
	cfg, logr, err := loadRuntime()
	if err != nil {
		return err
	}
	defer logr.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	container, err := bootstrap.New(ctx, cfg, logr)
	if err != nil {
		return err
	}
	defer container.Close()
	return run(ctx, container)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func batchCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "batch", Short: "Payout batches"}

	var period string
	run := &cobra.Command{
		Use:   "run",
		Short: "Run a payout batch in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContainer(func(ctx context.Context, c *bootstrap.Container) error {
				var (
					result *models.BatchResult
					err    error
				)
				if period == "" {
					result, err = c.Dispatcher.RunBatch(ctx)
				} else {
					result, err = c.Dispatcher.RunBatchForPeriod(ctx, period)
				}
				if result != nil {
					if printErr := printJSON(result); printErr != nil {
						return printErr
					}
				}
				if errors.Is(err, appErrors.ErrReauthorizationRequired) {
					fmt.Fprintln(os.Stderr, "payouts completed; CRM sync halted. Run `payoutctl crm authorize` to reconnect.")
				}
				return err
			})
		},
	}
	run.Flags().StringVar(&period, "period", "", "Billing period YYYY-MM (defaults to the current month)")
	cmd.AddCommand(run)
	return cmd
}

func crmCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "crm", Short: "CRM connection"}

	var code string
	authorize := &cobra.Command{
		Use:   "authorize",
		Short: "Exchange an authorization code, or print the consent URL when no code is given",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContainer(func(ctx context.Context, c *bootstrap.Container) error {
				if code == "" {
					fmt.Println(c.OAuth.AuthCodeURL("payoutctl"))
					return nil
				}
				if _, err := c.Tokens.ExchangeAuthorizationCode(ctx, code); err != nil {
					return err
				}
				status, err := c.Tokens.Status(ctx)
				if err != nil {
					return err
				}
				return printJSON(status)
			})
		},
	}
	authorize.Flags().StringVar(&code, "code", "", "Authorization code from the CRM redirect")

	status := &cobra.Command{
		Use:   "status",
		Short: "Show the CRM connection state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContainer(func(ctx context.Context, c *bootstrap.Container) error {
				status, err := c.Tokens.Status(ctx)
				if err != nil {
					return err
				}
				return printJSON(status)
			})
		},
	}

	cmd.AddCommand(authorize, status)
	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "token", Short: "API tokens"}

	var (
		subject string
		role    string
		ttl     time.Duration
	)
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Issue an API bearer token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logr, err := loadRuntime()
			if err != nil {
				return err
			}
			defer logr.Sync() //nolint:errcheck

			token, expiresAt, err := bootstrap.NewAPITokens(cfg, logr).Issue(subject, models.UserRole(role), ttl)
			if err != nil {
				return err
			}
			return printJSON(map[string]interface{}{
				"access_token": token,
				"token_type":   "Bearer",
				"expires_at":   expiresAt,
			})
		},
	}
	issue.Flags().StringVar(&subject, "subject", "", "Operator name or affiliate id")
	issue.Flags().StringVar(&role, "role", string(models.RoleOperator), "OPERATOR or AFFILIATE")
	issue.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (defaults to JWT_EXPIRATION)")
	_ = issue.MarkFlagRequired("subject")

	cmd.AddCommand(issue)
	return cmd
}
