// Command server runs the step-up authorization engine behind its JSON API.
// main wires stores, services, and the HTTP stack; business logic lives in
// the internal packages.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"bastion/internal/action"
	"bastion/internal/approval"
	approvalmetrics "bastion/internal/approval/metrics"
	"bastion/internal/audit"
	auditmetrics "bastion/internal/audit/metrics"
	"bastion/internal/backoffice"
	"bastion/internal/engine"
	enginemetrics "bastion/internal/engine/metrics"
	"bastion/internal/guardrail"
	"bastion/internal/identity"
	"bastion/internal/permission"
	"bastion/internal/platform/config"
	"bastion/internal/platform/database"
	"bastion/internal/platform/health"
	"bastion/internal/platform/logger"
	"bastion/internal/stepup"
	stepupmetrics "bastion/internal/stepup/metrics"
	httptransport "bastion/internal/transport/http"
	"bastion/pkg/platform/middleware/auth"
	"bastion/pkg/platform/middleware/ratelimit"
)

func main() {
	cfg := config.FromEnv()
	log := logger.New()

	if err := run(cfg, log); err != nil {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Server, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("initializing bastion",
		"addr", cfg.Addr,
		"environment", cfg.Environment,
		"stepup_window", cfg.StepUpWindow,
	)

	dbCfg := database.DefaultConfig()
	dbCfg.URL = cfg.DatabaseURL
	pool, err := database.New(dbCfg)
	if err != nil {
		return err
	}
	if pool != nil {
		defer pool.Close() //nolint:errcheck // best-effort close on shutdown
	}

	// Identity, step-up, approval, and audit state persist in Postgres when
	// configured. Guardrail rules and role grants live in memory and are
	// administered through the platform.* actions.
	var (
		identities  identity.Store
		sessions    stepup.SessionStore
		codes       stepup.RecoveryCodeStore
		approvalDB  approval.Store
		auditDB     audit.Store
		auditHealth func(context.Context) error
	)
	if pool != nil {
		identities = identity.NewPostgres(pool.DB())
		stepupDB := stepup.NewPostgres(pool.DB())
		sessions, codes = stepupDB, stepupDB
		approvalDB = approval.NewPostgresStore(pool.DB())
		auditPG := audit.NewPostgresStore(pool.DB())
		auditDB, auditHealth = auditPG, auditPG.Health
		log.Info("using postgres-backed stores")
	} else {
		identities = identity.NewInMemoryStore()
		sessions = stepup.NewInMemorySessionStore()
		codes = stepup.NewInMemoryRecoveryCodeStore()
		approvalDB = approval.NewInMemoryStore()
		auditMem := audit.NewInMemoryStore()
		auditDB, auditHealth = auditMem, auditMem.Health
		log.Warn("no database configured, using in-memory stores")
	}

	grants := permission.NewInMemoryStore(permission.DefaultRoleGrants())
	rules := guardrail.NewInMemoryStore()
	counter := guardrail.NewInMemoryCounter()
	ledger := backoffice.NewLedger()

	stepups := stepup.NewService(identities, sessions, codes,
		stepup.WithWindow(cfg.StepUpWindow),
		stepup.WithLogger(log),
		stepup.WithMetrics(stepupmetrics.New()),
	)
	approvals := approval.NewService(approvalDB,
		approval.WithLogger(log),
		approval.WithMetrics(approvalmetrics.New()),
	)
	auditor := audit.NewWriter(auditDB,
		audit.WithLogger(log),
		audit.WithMetrics(auditmetrics.New()),
	)

	eng := engine.New(
		permission.NewEvaluator(grants),
		guardrail.NewEngine(rules, guardrail.WithLogger(log)),
		stepups,
		approvals,
		auditor,
		engine.WithLogger(log),
		engine.WithMetrics(enginemetrics.New()),
		engine.WithExecutionRecorder(counter),
	)
	registerExecutors(eng, ledger, identities, rules, grants)

	healthz := health.New(cfg.Environment)
	healthz.RegisterCheck("audit", func() error {
		checkCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return auditHealth(checkCtx)
	})
	if pool != nil {
		healthz.RegisterCheck("database", func() error {
			return pool.Health(context.Background())
		})
	}

	limiter := ratelimit.New(cfg.ClientRateLimit, cfg.ClientRateBurst)

	router := httptransport.NewRouter(httptransport.RouterConfig{
		Handler:        httptransport.NewHandler(eng, stepups, approvals, log),
		Health:         healthz,
		Auth:           auth.New([]byte(cfg.JWTSigningKey), identities, log),
		Limiter:        limiter,
		TrustedProxies: parseProxies(cfg.TrustedProxies, log),
		Logger:         log,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("starting http server", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case now := <-ticker.C:
				limiter.Sweep(now)
			}
		}
	})

	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down server gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("server stopped")
	return nil
}

// registerExecutors binds every supported action type. An unregistered type
// would be authorized and then fail to execute, so the full set is wired
// here in one place.
func registerExecutors(
	eng *engine.Engine,
	ledger *backoffice.Ledger,
	identities identity.Store,
	rules *guardrail.InMemoryStore,
	grants *permission.InMemoryStore,
) {
	eng.RegisterExecutor(action.TypePaymentRefund, backoffice.NewRefundExecutor(ledger))
	eng.RegisterExecutor(action.TypePayoutRelease, backoffice.NewPayoutExecutor(ledger, time.Now))
	eng.RegisterExecutor(action.TypeWebhookReplay, backoffice.NewWebhookReplayExecutor(ledger))
	eng.RegisterExecutor(action.TypeCommissionAdjust, backoffice.NewCommissionExecutor(ledger))
	eng.RegisterExecutor(action.TypeDisputeSubmit, backoffice.NewDisputeExecutor(ledger, time.Now))
	eng.RegisterExecutor(action.TypeUserDeactivate, backoffice.NewDeactivateExecutor(identities, time.Now))
	eng.RegisterExecutor(action.TypeGuardrailUpdate, backoffice.NewGuardrailUpdateExecutor(rules))
	eng.RegisterExecutor(action.TypeGrantUpdate, backoffice.NewGrantUpdateExecutor(grants))
}

func parseProxies(cidrs []string, log *slog.Logger) []netip.Prefix {
	var prefixes []netip.Prefix
	for _, c := range cidrs {
		p, err := netip.ParsePrefix(c)
		if err != nil {
			log.Warn("skipping invalid trusted proxy", "cidr", c, "error", err)
			continue
		}
		prefixes = append(prefixes, p)
	}
	return prefixes
}
