// server runs the portal sessions HTTP service.
package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"portal-sessions/backend/internal/audit"
	auditrepo "portal-sessions/backend/internal/audit/repository"
	"portal-sessions/backend/internal/audit/stream"
	"portal-sessions/backend/internal/config"
	"portal-sessions/backend/internal/db"
	policyengine "portal-sessions/backend/internal/policy/engine"
	policyrepo "portal-sessions/backend/internal/policy/repository"
	portalrepo "portal-sessions/backend/internal/portal/repository"
	"portal-sessions/backend/internal/portal/service"
	"portal-sessions/backend/internal/psp"
	"portal-sessions/backend/internal/security"
	"portal-sessions/backend/internal/server"
	otelsetup "portal-sessions/backend/internal/telemetry/otel"
	"portal-sessions/backend/internal/webhook"
	webhookrepo "portal-sessions/backend/internal/webhook/repository"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	var logger *zap.Logger
	if cfg.Env == "production" {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	if cfg.DatabaseURL == "" {
		logger.Fatal("DATABASE_URL is not set")
	}
	conn, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("db open failed", zap.Error(err))
	}
	defer conn.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	providers, err := otelsetup.NewProviders(ctx, cfg.OTLPEndpoint, "portal-sessions", false)
	if err != nil {
		logger.Fatal("otel setup failed", zap.Error(err))
	}
	providers.SetGlobal()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = providers.Shutdown(shutdownCtx)
	}()

	// Audit mirror: Kafka when brokers are configured, OTel logs otherwise.
	var producer audit.Producer
	kafkaProducer, err := stream.NewKafkaProducer(cfg.KafkaBrokersList(), cfg.AuditKafkaTopic)
	if err != nil {
		logger.Fatal("kafka producer failed", zap.Error(err))
	}
	if kafkaProducer != nil {
		producer = kafkaProducer
		defer kafkaProducer.Close()
	} else {
		producer = otelsetup.NewAuditEmitter(providers.LoggerProvider)
	}

	recorder := audit.NewRecorder(auditrepo.NewPostgresRepository(conn), producer, logger, nil)

	sessions := portalrepo.NewPostgresRepository(conn)
	policies := policyrepo.NewPostgresRepository(conn)
	evaluator := policyengine.NewOPAEvaluator(policies, logger)
	if err := evaluator.HealthCheck(ctx); err != nil {
		logger.Fatal("policy engine failed health check", zap.Error(err))
	}

	engine := service.NewEngine(sessions, recorder, logger, service.Options{
		BaseURL:    cfg.PortalBaseURL,
		DefaultTTL: cfg.DefaultTTL(),
		MaxTTL:     cfg.MaxTTL(),
		Policy:     evaluator,
	})

	var gateway service.ProcessorGateway
	if cfg.PSPBaseURL != "" {
		gateway = psp.NewHTTPGateway(cfg.PSPProvider, cfg.PSPBaseURL, cfg.PSPAPIKey, logger)
	} else {
		logger.Warn("PSP_BASE_URL not set; using dev checkout gateway")
		gateway = psp.NewDevGateway(cfg.PortalReturnURL)
	}
	redirector := service.NewRedirector(engine, gateway, recorder, logger, cfg.PortalReturnURL, cfg.AllowedRedirectOriginsList())

	inbox := webhook.NewInbox(
		webhookrepo.NewPostgresRepository(conn),
		engine,
		webhook.StaticSecrets(cfg.WebhookSecretMap()),
		recorder,
		logger,
		nil,
	)

	var staffAuth *server.StaffAuth
	if cfg.StaffJWTPublicKey != "" {
		pub, err := security.ParsePublicKey(cfg.StaffJWTPublicKey)
		if err != nil {
			logger.Fatal("staff JWT public key invalid", zap.Error(err))
		}
		staffAuth = &server.StaffAuth{
			Verifier: security.NewStaffVerifier(pub, cfg.StaffJWTIssuer, cfg.StaffJWTAudience),
		}
	} else if cfg.Env == "production" {
		logger.Fatal("STAFF_JWT_PUBLIC_KEY must be set when APP_ENV=production")
	}

	limiter := server.NewRateLimiter(cfg.RateLimitPerMinute, server.RateLimitAudit(sessions, recorder))

	h := &server.Handler{
		Engine:     engine,
		Redirector: redirector,
		Inbox:      inbox,
		AuditRepo:  auditrepo.NewPostgresRepository(conn),
		PolicyRepo: policies,
		Log:        logger,
	}
	router := server.NewRouter(h, staffAuth, limiter, logger)
	srv := server.NewHTTPServer(router)

	logger.Info("portal sessions server listening", zap.String("addr", cfg.HTTPAddr))
	if err := srv.Run(ctx, cfg.HTTPAddr); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
	logger.Info("server stopped")
}
