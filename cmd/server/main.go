package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tasktrack/tasktrack/internal/auth"
	"github.com/tasktrack/tasktrack/internal/captcha"
	"github.com/tasktrack/tasktrack/internal/config"
	"github.com/tasktrack/tasktrack/internal/database"
	"github.com/tasktrack/tasktrack/internal/email"
	"github.com/tasktrack/tasktrack/internal/envelope"
	"github.com/tasktrack/tasktrack/internal/handler"
	"github.com/tasktrack/tasktrack/internal/logger"
	"github.com/tasktrack/tasktrack/internal/middleware"
	"github.com/tasktrack/tasktrack/internal/repository"
	"github.com/tasktrack/tasktrack/internal/router"
	"github.com/tasktrack/tasktrack/internal/secrets"
	"github.com/tasktrack/tasktrack/internal/service"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(cfg.Log.Level, cfg.Log.Format)
	log.Info().Str("version", handler.Version).Msg("starting TaskTrack auth server")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect to PostgreSQL
	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()
	log.Info().Msg("connected to PostgreSQL")

	// Connect to Redis
	rdb, err := database.NewRedis(cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to Redis")
	}
	defer rdb.Close()
	log.Info().Msg("connected to Redis")

	retrier := database.NewRetrier(cfg.Store.Retry)

	// Initialize repositories
	userRepo := repository.NewUserRepository(db, retrier)
	sessionRepo := repository.NewSessionRepository(db, retrier)
	auditRepo := repository.NewAuditRepository(db, retrier)

	// Field encryption
	keyStore, err := secrets.New(ctx, cfg.Secrets, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize secret store")
	}
	cipher := envelope.NewService(keyStore, cfg.Security.Encryption.KeyID, cfg.Security.Encryption.KeyCacheTTL, log)
	if _, err := cipher.Digest(ctx, "startup"); err != nil {
		log.Fatal().Err(err).Str("key_id", cfg.Security.Encryption.KeyID).Msg("data key unavailable")
	}
	log.Info().Str("provider", cfg.Secrets.Provider).Msg("field encryption initialized")

	// Password handling
	pw := cfg.Security.Password
	hasher := auth.NewHasher(auth.NewParams(pw.Argon2Memory, pw.Argon2Iterations, pw.Argon2Parallelism))
	policy := auth.NewPolicy(pw.MinLength, pw.SpecialCharacters)
	breach, err := auth.NewCompromisedChecker(pw)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize compromised-password check")
	}

	verifier, err := captcha.New(cfg.Captcha, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize captcha verifier")
	}

	sender, err := email.New(ctx, cfg.Email, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize email sender")
	}
	log.Info().Str("provider", cfg.Email.Provider).Msg("email sender initialized")

	// Initialize services
	auditSvc := service.NewAuditService(auditRepo, cfg.Audit.Retention, log)
	sessionSvc := service.NewSessionService(sessionRepo, cipher, cfg.Session, log)
	lockoutSvc := service.NewLockoutService(userRepo, cfg.Security.Lockout, log)
	codeSvc := service.NewCodeService(userRepo, cipher, cfg.Codes, log)
	rateLimitSvc := service.NewRateLimitService(rdb, retrier, cfg.Security.RateLimiting.CleanupGrace, log)

	authSvc := service.NewAuthService(
		userRepo, sessionSvc, lockoutSvc, codeSvc, auditSvc, cipher,
		policy, hasher, breach, verifier, sender,
		cfg.Email.AppName,
		log,
	)

	if cfg.Janitor.Enabled {
		janitor := service.NewJanitor(sessionSvc, auditSvc, cfg.Janitor.Interval, log)
		go janitor.Run(ctx)
		log.Info().Dur("interval", cfg.Janitor.Interval).Msg("janitor started")
	}

	// Initialize handlers and middleware
	h := handler.New(db, rdb, log, cfg, authSvc)
	mw := middleware.New(rateLimitSvc, sessionSvc, auditSvc, log, cfg)

	// Set up router
	r := router.New(h, mw, service.ScopesFromConfig(cfg.Security.RateLimiting), cfg.CORS.AllowedOrigins)

	// Create HTTP server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info().Str("addr", addr).Bool("tls", cfg.Server.TLS.Enabled).Msg("HTTP server listening")
		var err error
		if cfg.Server.TLS.Enabled {
			err = srv.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	// Wait for interrupt signal
	<-ctx.Done()
	stop()

	log.Info().Msg("shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal().Err(err).Msg("server forced to shutdown")
	}
	authSvc.Wait()

	log.Info().Msg("server stopped")
}
