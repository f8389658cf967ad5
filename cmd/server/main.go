// server runs the credential core: the HTTP API (login, refresh, logout, JWKS, admin RBAC,
// audit reads), the gRPC health surface, and the background sweeper.
package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"credential-core/internal/audit"
	auditrepo "credential-core/internal/audit/repository"
	"credential-core/internal/authn"
	"credential-core/internal/config"
	"credential-core/internal/db"
	"credential-core/internal/health"
	healthhandler "credential-core/internal/health/handler"
	"credential-core/internal/identity/service"
	"credential-core/internal/logging"
	"credential-core/internal/metrics"
	"credential-core/internal/policy/engine"
	"credential-core/internal/ratelimit"
	"credential-core/internal/rbac"
	rbacrepo "credential-core/internal/rbac/repository"
	revocationrepo "credential-core/internal/revocation/repository"
	"credential-core/internal/security"
	"credential-core/internal/server"
	"credential-core/internal/server/clientip"
	"credential-core/internal/session"
	sessionrepo "credential-core/internal/session/repository"
	"credential-core/internal/signingkey"
	signingkeyrepo "credential-core/internal/signingkey/repository"
	"credential-core/internal/sweeper"
	telemetryotel "credential-core/internal/telemetry/otel"
	userrepo "credential-core/internal/user/repository"
)

const (
	serviceName     = "credential-core"
	shutdownTimeout = 15 * time.Second
	policyCacheSize = 256
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("config")
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("server exited")
	}
}

func run(cfg *config.Config, log *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sqlDB, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	providers, err := telemetryotel.NewProviders(ctx, telemetryotel.Options{
		Endpoint:    cfg.OTelEndpoint,
		ServiceName: serviceName,
		Insecure:    cfg.OTelInsecure,
		Log:         log,
	})
	if err != nil {
		return err
	}
	providers.SetGlobal()
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = providers.Shutdown(sctx)
	}()

	m := metrics.New(nil)
	pseudo := security.NewPseudonymizer(cfg.PseudonymSalt)
	timeout := cfg.Timeout()

	auditRepo := auditrepo.NewPostgresRepository(sqlDB, timeout)
	auditLog := audit.NewLogger(auditRepo, pseudo, cfg.Retention(), cfg.AuditQueueSize, log,
		audit.WithSink(telemetryotel.NewAuditSink(providers.LoggerProvider)),
		audit.WithMetrics(m),
	)
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := auditLog.Close(sctx); err != nil {
			log.WithError(err).Error("audit queue not drained")
		}
	}()

	keys := signingkey.NewManager(signingkeyrepo.NewPostgresRepository(sqlDB), cfg.KeyGrace(), cfg.JWTPrivateKey, cfg.JWTKeyDir, log)
	ring, err := keys.Load(ctx)
	if err != nil {
		return err
	}
	revoked := revocationrepo.NewPostgresRepository(sqlDB, timeout)
	tokens := security.NewTokenIssuer(ring, revoked, cfg.JWTIssuer, cfg.JWTAudience)

	sessions := session.NewStore(sessionrepo.NewPostgresRepository(sqlDB, timeout), auditLog, pseudo, cfg.RefreshTTL(), log, session.WithMetrics(m))
	rbacRepo := rbacrepo.NewPostgresRepository(sqlDB, timeout)
	resolver, err := rbac.NewResolver(rbacRepo, cfg.PermissionTTL(), log, rbac.WithMetrics(m))
	if err != nil {
		return err
	}
	users := userrepo.NewPostgresRepository(sqlDB, timeout)
	resets := userrepo.NewPostgresResetRepository(sqlDB, timeout)

	evaluator, err := engine.NewOPAEvaluator(policyCacheSize)
	if err != nil {
		return err
	}

	memLimiter := ratelimit.NewMemoryLimiter(cfg.RateLimitMax, cfg.Window())
	var limiter ratelimit.Limiter = memLimiter
	if cfg.RedisURL != "" {
		rl, err := ratelimit.NewRedisLimiter(ctx, cfg.RedisURL, cfg.RateLimitMax, cfg.Window(), memLimiter, log)
		if err != nil {
			return err
		}
		defer rl.Close()
		limiter = rl
	}

	authSvc := service.NewAuthService(users, sessions, resolver, revoked, security.NewHasher(cfg.BcryptCost), tokens, auditLog,
		service.Config{AccessTTL: cfg.AccessTTL(), MaxFailedLogins: cfg.MaxFailedLogins, LockoutDuration: cfg.Lockout(), ResetTTL: cfg.ResetTTL()},
		log, service.WithPasswordResets(resets))
	authenticator := authn.NewAuthenticator(tokens, sessions, resolver, auditLog, log,
		authn.WithUsers(users),
		authn.WithLimiter(limiter),
		authn.WithConditionEvaluator(evaluator),
		authn.WithMetrics(m),
	)
	checker := health.NewChecker(sqlDB, evaluator, 2*time.Second)
	proxies, err := clientip.NewResolver(cfg.Proxies())
	if err != nil {
		return err
	}

	httpSrv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: server.NewHTTPHandler(server.HTTPDeps{
			Auth:      authenticator,
			AuthAPI:   authSvc,
			RBAC:      rbac.NewService(rbacRepo, resolver, auditLog),
			Sessions:  sessions,
			AuditRepo: auditRepo,
			Audit:     auditLog,
			Keys:      ring,
			Health:    checker,
			Metrics:   m,
			Proxies:   proxies,
			Log:       log,
		}),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	grpcSrv := server.NewGRPCServer(server.Deps{Auth: authenticator, Health: healthhandler.NewServer(checker), Proxies: proxies})

	sweep, err := sweeper.New(cfg.SweepSchedule, log, []sweeper.Task{
		sweeper.MemoryTask("rate_limit_windows", memLimiter),
		sweeper.MemoryTask("permission_cache", resolver),
		sweeper.SessionTask(sessions),
		sweeper.PurgeTask("revoked_tokens", revoked, nil),
		sweeper.PurgeTask("audit_retention", auditRepo, nil),
		sweeper.PurgeTask("password_resets", resets, nil),
		sweeper.KeySyncTask(keys, ring),
	}, sweeper.WithMetrics(m))
	if err != nil {
		return err
	}
	sweep.Start()

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return err
	}
	errc := make(chan error, 2)
	go func() {
		log.WithField("addr", cfg.GRPCAddr).Info("gRPC server listening")
		errc <- grpcSrv.Serve(lis)
	}()
	go func() {
		log.WithField("addr", cfg.HTTPAddr).Info("HTTP server listening")
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case serveErr = <-errc:
		log.WithError(serveErr).Error("server failed; shutting down")
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(sctx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	grpcSrv.GracefulStop()
	sweep.Stop(sctx)
	log.Info("stopped")
	return serveErr
}
