package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/eshantharjun9-hub/qiuckgrab/auth"
	"github.com/eshantharjun9-hub/qiuckgrab/config"
	"github.com/eshantharjun9-hub/qiuckgrab/db"
	"github.com/eshantharjun9-hub/qiuckgrab/escrow"
	"github.com/eshantharjun9-hub/qiuckgrab/logging"
	"github.com/eshantharjun9-hub/qiuckgrab/notify"
	"github.com/eshantharjun9-hub/qiuckgrab/trust"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "quickgrab",
		Short:         "QuickGrab escrow API and tooling",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the transactions API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.RequireServer(); err != nil {
				return err
			}
			logger, cleanup, err := logging.New(cfg.LogLevel)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, stop := signalContext()
			defer stop()

			pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{
				MaxConns:        cfg.Database.MaxConns,
				MaxConnLifetime: cfg.Database.ConnMaxLifetime,
				MaxConnIdleTime: cfg.Database.ConnMaxIdleTime,
			})
			if err != nil {
				return fmt.Errorf("bootstrap database pool: %w", err)
			}
			defer pool.Close()

			engine, err := trust.EngineFromFile(cfg.BadgeRulesFile)
			if err != nil {
				return err
			}
			if cfg.BadgeRulesFile != "" {
				logger.Info("loaded badge rules", zap.String("file", cfg.BadgeRulesFile))
			}

			escrowService := escrow.NewService(pool, escrow.NewRepository(pool), engine).WithLogger(logger)
			authService := auth.NewService(auth.NewRepository(pool), cfg.JWTSecret)

			server := NewServer(escrowService, authService, pool, logger)
			return server.Run(ctx, cfg.HTTPAddr, cfg.ShutdownTimeout)
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("DATABASE_URL is required")
			}
			ctx, stop := signalContext()
			defer stop()

			if err := db.Migrate(ctx, cfg.DatabaseURL); err != nil {
				return err
			}
			version, err := db.MigrationVersion(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "database at migration version %d\n", version)
			return nil
		},
	}
}

func watchCmd() *cobra.Command {
	var (
		baseURL string
		token   string
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Poll for new chat messages and log a notification per transaction",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if baseURL == "" {
				baseURL = cfg.Notifier.APIBaseURL
			}
			if token == "" {
				token = cfg.Notifier.APIToken
			}
			userID, err := auth.SubjectOf(token)
			if err != nil {
				return fmt.Errorf("watch: API token: %w", err)
			}

			logger, cleanup, err := logging.New(cfg.LogLevel)
			if err != nil {
				return err
			}
			defer cleanup()

			publisher := notify.NewChannelPublisher(0, logger)
			poller, err := notify.NewPoller(notify.Config{
				Transport: notify.NewHTTPTransport(baseURL, token),
				Publisher: publisher,
				Interval:  cfg.Notifier.PollInterval,
				Skew:      cfg.Notifier.PollSkew,
				Logger:    logger,
			})
			if err != nil {
				return err
			}

			ctx, stop := signalContext()
			defer stop()

			poller.Start(userID)
			defer poller.Stop()

			for {
				select {
				case <-ctx.Done():
					return nil
				case n := <-publisher.Subscribe():
					logger.Info("new messages",
						zap.String("transaction_id", n.TransactionID),
						zap.String("from", n.CounterpartName),
						zap.Int("unseen", n.Unseen),
						zap.String("preview", n.Preview),
						zap.String("link", n.Link))
				}
			}
		},
	}
	cmd.Flags().StringVar(&baseURL, "api", "", "API base URL (defaults to API_BASE_URL)")
	cmd.Flags().StringVar(&token, "token", "", "bearer token (defaults to API_TOKEN)")
	return cmd
}

func tokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token [user-id]",
		Short: "Mint a development bearer token for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.JWTSecret == "" {
				return fmt.Errorf("JWT_SECRET is required")
			}
			token, err := auth.NewService(nil, cfg.JWTSecret).IssueToken(args[0], ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
