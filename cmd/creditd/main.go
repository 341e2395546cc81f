// creditd is the carbon credit lifecycle service. It serves the HTTP API
// and ships a couple of operator subcommands for inspecting quorum rules
// and verifying a credit's transaction chain offline.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/Asusman01/Carbon-Credit-Dapp/internal/api"
	"github.com/Asusman01/Carbon-Credit-Dapp/internal/cert"
	"github.com/Asusman01/Carbon-Credit-Dapp/internal/config"
	"github.com/Asusman01/Carbon-Credit-Dapp/internal/ledger"
	"github.com/Asusman01/Carbon-Credit-Dapp/internal/lifecycle"
	"github.com/Asusman01/Carbon-Credit-Dapp/internal/metrics"
	"github.com/Asusman01/Carbon-Credit-Dapp/internal/registry"
	"github.com/Asusman01/Carbon-Credit-Dapp/internal/security"
	"github.com/Asusman01/Carbon-Credit-Dapp/pkg/audit"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "creditd:", err)
		os.Exit(1)
	}
}

type rootOptions struct {
	ConfigPath string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "creditd",
		Short:         "Carbon credit lifecycle service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to YAML config file (environment overrides it)")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newQuorumCommand(opts))
	cmd.AddCommand(newVerifyChainCommand(opts))

	return cmd
}

func newServeCommand(rootOpts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(rootOpts.ConfigPath)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config) error {
	logger := newLogger(cfg.Environment)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	table, err := cfg.QuorumTable()
	if err != nil {
		return err
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to reach redis at %s: %w", cfg.RedisAddr, err)
		}
	}

	var notifier registry.Notifier = registry.NopNotifier{}
	if cfg.RegistryEndpoint != "" {
		notifier = registry.NewHTTPNotifier(cfg.RegistryEndpoint, logger)
	}

	blobs, err := openBlobStore(ctx, cfg)
	if err != nil {
		return err
	}

	m := metrics.New()

	svc := lifecycle.NewService(lifecycle.Options{
		Store:         store,
		Table:         table,
		Auditors:      cfg.Auditors,
		SpareAuditors: cfg.SpareAuditors,
		Notifier:      notifier,
		Certs:         cert.NewIssuer(blobs),
		Metrics:       m,
		Logger:        logger,
	})

	allowlist, err := security.ParseCIDRAllowlist(cfg.AllowedCIDRs)
	if err != nil {
		return fmt.Errorf("invalid allowed_cidrs: %w", err)
	}

	deps := api.Dependencies{
		Logger:         logger,
		Service:        svc,
		MetricsHandler: m.Handler(),
		IPAllowlist:    allowlist,
		MaxBodyBytes:   cfg.MaxBodyBytes,
	}

	if redisClient != nil {
		deps.TxCache = api.NewTransactionCache(redisClient)
		if cfg.RateLimit.Capacity > 0 {
			deps.RateLimiter = &security.RedisTokenBucket{
				Redis:      redisClient,
				Prefix:     "creditd",
				Capacity:   cfg.RateLimit.Capacity,
				RefillRate: cfg.RateLimit.RefillRate,
			}
		}
	}

	if cfg.AuditLogPath != "" {
		auditor, err := newFileAuditor(cfg.AuditLogPath)
		if err != nil {
			return err
		}
		defer auditor.Close()
		deps.Auditor = auditor
	}

	handler, err := api.NewRouter(deps)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	tlsCfg := security.TLSConfig{
		CertFile:          cfg.TLS.CertFile,
		KeyFile:           cfg.TLS.KeyFile,
		CAFile:            cfg.TLS.CAFile,
		RequireClientAuth: cfg.TLS.RequireClientAuth,
	}
	if tlsCfg.Enabled() {
		srv.TLSConfig, err = security.LoadServerTLSConfig(tlsCfg)
		if err != nil {
			return err
		}
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			"addr", cfg.ListenAddr,
			"environment", cfg.Environment,
			"store", cfg.Store.Driver,
			"tls", tlsCfg.Enabled())
		if tlsCfg.Enabled() {
			errCh <- srv.ListenAndServeTLS("", "")
		} else {
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
	}
	logger.Info("server stopped")
	return nil
}

func newQuorumCommand(rootOpts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "quorum <amount>",
		Short: "Show the auditor quorum an amount would require",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var amount int64
			if _, err := fmt.Sscanf(args[0], "%d", &amount); err != nil || amount < 0 {
				return fmt.Errorf("invalid amount %q", args[0])
			}

			cfg, err := config.Load(rootOpts.ConfigPath)
			if err != nil {
				return err
			}
			table, err := cfg.QuorumTable()
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "amount %d requires %d approving auditor(s)\n", amount, table.Required(amount))
			for _, step := range table.Steps() {
				fmt.Fprintf(cmd.OutOrStdout(), "  >= %d tonnes: %d auditor(s)\n", step.MinAmount, step.Auditors)
			}
			return nil
		},
	}
}

func newVerifyChainCommand(rootOpts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify-chain <credit-id>",
		Short: "Verify the transaction hash chain of a credit against the store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(rootOpts.ConfigPath)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			svc := lifecycle.NewService(lifecycle.Options{
				Store:    store,
				Auditors: cfg.Auditors,
			})

			ok, err := svc.VerifyChain(ctx, args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("chain verification FAILED for credit %s", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "chain intact for credit %s\n", args[0])
			return nil
		},
	}
}

func openStore(ctx context.Context, cfg *config.Config) (ledger.Store, error) {
	switch cfg.Store.Driver {
	case config.DriverMemory:
		return ledger.NewMemoryStore(), nil
	case config.DriverSQLite:
		return ledger.OpenSQLite(cfg.Store.SQLitePath)
	case config.DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.Store.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to create database pool: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to ping database: %w", err)
		}
		store := ledger.NewPostgresStore(pool)
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func openBlobStore(ctx context.Context, cfg *config.Config) (cert.BlobStore, error) {
	switch cfg.Certificates.Driver {
	case "s3":
		return cert.NewS3BlobStore(ctx, cert.S3Config{
			Region:    cfg.Certificates.Region,
			Bucket:    cfg.Certificates.Bucket,
			Endpoint:  cfg.Certificates.Endpoint,
			PathStyle: cfg.Certificates.PathStyle,
		})
	default:
		return cert.NewMemoryBlobStore(), nil
	}
}

func newLogger(environment string) *slog.Logger {
	level := slog.LevelInfo
	if environment == "development" {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

// fileAuditor appends hash-chained request records to a JSON-lines file.
type fileAuditor struct {
	mu    sync.Mutex
	chain *audit.ChainLogger
	file  *os.File
	enc   *json.Encoder
}

func newFileAuditor(path string) (*fileAuditor, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	return &fileAuditor{
		chain: audit.NewChainLogger(),
		file:  f,
		enc:   json.NewEncoder(f),
	}, nil
}

func (a *fileAuditor) Append(payload string) *audit.LogEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	entry := a.chain.Append(payload)
	if err := a.enc.Encode(entry); err != nil {
		slog.Error("audit log write failed", "error", err)
	}
	return entry
}

func (a *fileAuditor) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.file.Close()
}
