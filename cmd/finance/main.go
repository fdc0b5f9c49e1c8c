package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/finance-engine/cmd/finance/cli"
	"github.com/odyssey-erp/finance-engine/internal/app"
	"github.com/odyssey-erp/finance-engine/internal/financeconfig"
	"github.com/odyssey-erp/finance-engine/internal/identity"
	"github.com/odyssey-erp/finance-engine/internal/ledger"
	"github.com/odyssey-erp/finance-engine/internal/lifecycle"
	"github.com/odyssey-erp/finance-engine/internal/observability"
	"github.com/odyssey-erp/finance-engine/internal/platform/cache"
	"github.com/odyssey-erp/finance-engine/internal/platform/db"
	"github.com/odyssey-erp/finance-engine/internal/segments"
	"github.com/odyssey-erp/finance-engine/internal/sequence"
	"github.com/odyssey-erp/finance-engine/internal/shared"
	"github.com/odyssey-erp/finance-engine/internal/subscriptions"
	"github.com/odyssey-erp/finance-engine/jobs"
)

const usage = `usage: finance <command> [flags]

commands:
  serve                      run the HTTP API (default)
  migrate [up|down|version]  apply the embedded schema
  token issue -name N -perms P[,P] [-ttl D] [-json]
  token revoke <id>
  jobs trigger <ledger:integrity|idempotency:cleanup>
  jobs stats
`

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	args := os.Args[1:]
	cmd := "serve"
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "serve":
		err = serve(ctx, cfg, logger)
	case "migrate":
		direction := "up"
		if len(args) > 0 {
			direction = args[0]
		}
		err = cli.Migrate(cfg.PGDSN, direction, os.Stdout)
	case "token":
		os.Exit(runToken(ctx, cfg, args))
	case "jobs":
		err = runJobs(ctx, cfg, args)
	case "help", "-h", "--help":
		fmt.Fprint(os.Stdout, usage)
		return
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error(cmd, slog.Any("error", err))
		os.Exit(1)
	}
}

// auditSink is satisfied by the inline logger and the queue dispatcher.
type auditSink interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

func serve(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()

	var seq sequence.Generator
	switch cfg.SequenceBackend {
	case app.SequenceRedis:
		seq = sequence.NewRedisGenerator(redisClient, cfg.SequenceWidth)
	default:
		seq = sequence.NewPostgresGenerator(pool, cfg.SequenceWidth, cfg.TxMaxAttempts)
	}

	accounts := financeconfig.NewLoader(
		financeconfig.NewPostgresSource(pool),
		cache.NewJSONCache(redisClient, financeconfig.CacheNamespace, cfg.FinanceCacheTTL),
	)

	asynqOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	var audit auditSink = shared.NewAuditLogger(pool)
	if cfg.AuditAsync {
		client, err := jobs.NewClient(asynqOpts)
		if err != nil {
			return fmt.Errorf("asynq client: %w", err)
		}
		defer client.Close()
		audit = jobs.NewAuditDispatcher(client)
	}

	ledgerRepo := ledger.NewRepository(pool, cfg.TxMaxAttempts, cfg.LookupBatchSize)
	ledgerService := ledger.NewService(ledgerRepo, seq, audit, metrics)

	lifecycleRepo := lifecycle.NewRepository(pool, ledgerRepo.TxOptions())
	lifecycleService := lifecycle.NewService(lifecycleRepo, ledgerRepo, audit, metrics)

	segmentRepo := segments.NewRepository(ledgerRepo)
	segmentService := segments.NewService(segmentRepo, segmentRepo, ledgerService, lifecycleService, accounts, seq, audit)

	subscriptionRepo := subscriptions.NewRepository(ledgerRepo)
	subscriptionService := subscriptions.NewService(subscriptionRepo, subscriptionRepo, ledgerService, accounts, audit, metrics)

	tokens := identity.NewTokenProvider(identity.NewPGStore(pool), 0)

	inspector := asynq.NewInspector(asynqOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:              logger,
		Config:              cfg,
		Auth:                tokens,
		Metrics:             metrics,
		VoucherHandler:      ledger.NewHandler(logger, ledgerService),
		LifecycleHandler:    lifecycle.NewHandler(logger, lifecycleService),
		SubscriptionHandler: subscriptions.NewHandler(logger, subscriptionService),
		SegmentHandler:      segments.NewHandler(logger, segmentService),
		JobHandler:          jobs.NewHandler(inspector, logger),
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr), slog.String("sequence", cfg.SequenceBackend))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func runToken(ctx context.Context, cfg *app.Config, args []string) int {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return 2
	}
	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect postgres: %v\n", err)
		return 1
	}
	defer pool.Close()
	tokens := cli.NewTokenCLI(identity.NewTokenProvider(identity.NewPGStore(pool), 0))

	switch args[0] {
	case "issue":
		fs := flag.NewFlagSet("token issue", flag.ContinueOnError)
		name := fs.String("name", "", "token name")
		perms := fs.String("perms", "", "comma separated permissions")
		ttl := fs.Duration("ttl", 0, "lifetime, 0 for no expiry")
		asJSON := fs.Bool("json", false, "print JSON")
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		return tokens.IssueCommand(ctx, cli.TokenIssueOptions{
			Name:        *name,
			Permissions: *perms,
			TTL:         *ttl,
			JSONOutput:  *asJSON,
			Stdout:      os.Stdout,
			Stderr:      os.Stderr,
		})
	case "revoke":
		id := ""
		if len(args) > 1 {
			id = args[1]
		}
		return tokens.RevokeCommand(ctx, id, os.Stdout, os.Stderr)
	default:
		fmt.Fprint(os.Stderr, usage)
		return 2
	}
}

func runJobs(ctx context.Context, cfg *app.Config, args []string) error {
	if len(args) == 0 {
		return errors.New(usage)
	}
	jobsCLI := cli.NewJobsCLI(cfg.RedisAddr)
	defer jobsCLI.Close()

	switch args[0] {
	case "trigger":
		if len(args) < 2 {
			return errors.New("jobs trigger: task name required")
		}
		info, err := jobsCLI.Trigger(ctx, args[1], cfg.IdempotencyTTL)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "enqueued %s id=%s queue=%s\n", info.Type, info.ID, info.Queue)
		return nil
	case "stats":
		stats, err := jobsCLI.InspectQueues(ctx)
		if err != nil {
			return err
		}
		for _, s := range stats {
			fmt.Fprintf(os.Stdout, "%-8s pending=%d active=%d scheduled=%d retry=%d archived=%d\n",
				s.Queue, s.Pending, s.Active, s.Scheduled, s.Retry, s.Archived)
		}
		return nil
	default:
		return fmt.Errorf("jobs: unknown subcommand %q", args[0])
	}
}
