package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/iliyamo/storefront-identity/internal/config"
	"github.com/iliyamo/storefront-identity/internal/database"
	"github.com/iliyamo/storefront-identity/internal/handler"
	"github.com/iliyamo/storefront-identity/internal/mail"
	"github.com/iliyamo/storefront-identity/internal/metrics"
	"github.com/iliyamo/storefront-identity/internal/middleware"
	"github.com/iliyamo/storefront-identity/internal/queue"
	"github.com/iliyamo/storefront-identity/internal/repository"
	"github.com/iliyamo/storefront-identity/internal/router"
	"github.com/iliyamo/storefront-identity/internal/service"
	"github.com/iliyamo/storefront-identity/internal/token"
)

func main() {
	cfg := config.Load()
	logger, err := config.NewLogger(cfg)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(cfg)
	if err != nil {
		logger.Fatal("mysql connect failed", zap.Error(err))
	}
	defer db.Close()
	if err := database.EnsureSchema(ctx, db); err != nil {
		logger.Fatal("schema setup failed", zap.Error(err))
	}

	rdb, err := config.NewRedisClient(ctx)
	if err != nil {
		logger.Fatal("redis connect failed", zap.Error(err))
	}
	defer rdb.Close()

	codec, err := token.NewCodec(token.Options{
		Secret:           cfg.JWTSecret,
		Issuer:           cfg.JWTIssuer,
		Audience:         cfg.JWTAudience,
		TTL:              cfg.AccessTTL,
		ClockSkew:        cfg.ClockSkew,
		ValidateIssuer:   cfg.ValidateIssuer,
		ValidateAudience: cfg.ValidateAudience,
	}, nil)
	if err != nil {
		logger.Fatal("token codec", zap.Error(err))
	}
	if !cfg.ValidateIssuer || !cfg.ValidateAudience {
		logger.Warn("access token issuer/audience validation is disabled")
	}

	creds, err := service.NewCredentialVerifier(cfg.BcryptCost)
	if err != nil {
		logger.Fatal("credential verifier", zap.Error(err))
	}
	google := service.NewGoogleVerifier(cfg.GoogleClientID, cfg.GoogleJWKSURL, logger.Named("google"))
	defer google.Close()

	smtp := mail.NewSMTPSender(mail.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUser,
		Password: cfg.SMTPPass,
		From:     cfg.MailFrom,
		FromName: cfg.MailFromName,
		Timeout:  cfg.MailTimeout,
	}, logger.Named("smtp"))

	var mailer mail.Sender = smtp
	if cfg.EmailTransport == "queue" {
		mailer = queue.NewPublisher(queue.AMQPDialer(cfg.RabbitMQURL), cfg.EmailQueue, logger.Named("publisher"))
		consumer := &queue.Consumer{
			URL:         cfg.RabbitMQURL,
			Queue:       cfg.EmailQueue,
			Sender:      smtp,
			SendTimeout: cfg.MailTimeout,
			Log:         logger.Named("email-consumer"),
		}
		go func() {
			if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("email consumer stopped", zap.Error(err))
			}
		}()
	}

	svc := service.NewIdentityService(service.Deps{
		Users:       repository.NewUserRepo(db),
		Refresh:     repository.NewTokenRepo(db, cfg.RefreshTTLMonths),
		Actions:     repository.NewActionTokenRepo(rdb, cfg.ActionKeyPrefix),
		Codec:       codec,
		Credentials: creds,
		Google:      google,
		Mailer:      mailer,
		Log:         logger.Named("identity"),
	}, service.Options{
		BcryptCost:       cfg.BcryptCost,
		ConfirmTokenTTL:  cfg.ConfirmTokenTTL,
		ResetTokenTTL:    cfg.ResetTokenTTL,
		MailTimeout:      cfg.MailTimeout,
		DefaultClientURI: cfg.ClientURI,
		AllowAdminSignup: cfg.AllowAdminSignup,
	})

	metrics.MustRegister(prometheus.DefaultRegisterer)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.RequestLogger(logger.Named("http")))
	router.RegisterRoutes(e, handler.Health(map[string]handler.Pinger{
		"mysql": db,
		"redis": handler.PingerFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() }),
	}))
	limiter := middleware.NewTokenBucket(config.LoadRateLimitConfig(), rdb, logger.Named("ratelimit"), nil)
	router.RegisterAuth(e, handler.NewAuthHandler(svc, cfg.RequestTimeout), codec, limiter)

	addr := ":" + cfg.Port
	go func() {
		logger.Info("listening", zap.String("addr", addr), zap.String("email_transport", cfg.EmailTransport))
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", zap.Error(err))
	}
}
