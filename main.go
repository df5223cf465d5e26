package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gov-dx-sandbox/databridge/internal/config"
	"github.com/gov-dx-sandbox/databridge/pkg/monitoring"
	"github.com/gov-dx-sandbox/databridge/shared/utils"
	"github.com/gov-dx-sandbox/databridge/v1/database"
	"github.com/gov-dx-sandbox/databridge/v1/handlers"
	"github.com/gov-dx-sandbox/databridge/v1/ledger"
	"github.com/gov-dx-sandbox/databridge/v1/middleware"
	"github.com/gov-dx-sandbox/databridge/v1/router"
	"github.com/gov-dx-sandbox/databridge/v1/services"
	"github.com/joho/godotenv"
)

const serviceName = "databridge"

func main() {
	// Load .env file if it exists (optional - fails silently if not found)
	_ = godotenv.Load()

	cfg := config.LoadConfig(serviceName)
	slog.SetDefault(newLogger(os.Stdout, cfg.Logging))

	slog.Info("Starting DataBridge initialization", "environment", cfg.Environment, "ledger", cfg.Ledger.Backend)

	enums, err := config.LoadEnums(cfg.EnumsPath)
	if err != nil {
		slog.Error("Failed to load domain enums", "error", err)
		os.Exit(1)
	}

	if err := monitoring.Initialize(monitoring.DefaultConfig(serviceName)); err != nil {
		// metrics are best-effort; the service runs without them
		slog.Warn("Failed to initialize metrics", "error", err)
	}

	db, err := database.ConnectGormDB(database.NewDatabaseConfig(&cfg.DBConfigs))
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}

	ledgerLog, closeLedger, err := openLedger(cfg.Ledger)
	if err != nil {
		slog.Error("Failed to connect to ledger log", "backend", cfg.Ledger.Backend, "error", err)
		os.Exit(1)
	}
	defer closeLedger()

	auth, err := middleware.NewJWTAuthMiddleware(middleware.AuthConfig{
		Secret:         cfg.Auth.JWTSecret,
		Issuer:         cfg.Auth.Issuer,
		Audience:       cfg.Auth.Audience,
		// forwarding headers are ignored unless the peer is one of these
		TrustedProxies: cfg.Auth.TrustedProxies,
	})
	if err != nil {
		slog.Error("Invalid auth configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	writer := services.NewAuditTrailWriter(db, ledgerLog, services.AuditWriterConfig{
		TopicPrefix:     cfg.Ledger.TopicPrefix,
		MaxAttempts:     cfg.Ledger.MaxAttempts,
		InitialInterval: cfg.Ledger.InitialInterval,
		MaxInterval:     cfg.Ledger.MaxInterval,
		Workers:         cfg.Ledger.Workers,
		QueueSize:       cfg.Ledger.QueueSize,
	})
	writer.Start(ctx)
	defer writer.Stop()

	// resubmit whatever a previous run left without a ledger reference
	if n, err := writer.Reconcile(ctx); err != nil {
		slog.Error("Startup reconciliation failed", "error", err)
	} else if n > 0 {
		slog.Info("Startup reconciliation queued records", "count", n)
	}

	tokens := services.NewTokenService(db)
	requestService := services.NewRequestService(db, writer, tokens, enums)
	shareService := services.NewShareService(db, writer, tokens)
	queryService := services.NewAuditQueryService(db)

	sweeper := services.NewSweeper(requestService, shareService, writer, cfg.Sweep.Interval)
	sweeper.Start(ctx)

	var checker ledger.HealthChecker
	if hc, ok := ledgerLog.(ledger.HealthChecker); ok {
		checker = hc
	}

	v1Router := router.NewV1Router(
		handlers.NewRequestHandler(requestService),
		handlers.NewShareHandler(shareService),
		handlers.NewAuditHandler(queryService, cfg.Auth.AdminRole),
		handlers.NewAdminHandler(sweeper, cfg.Auth.AdminRole),
		handlers.NewHealthHandler(db, checker, serviceName),
		auth,
	)

	server := utils.CreateServer(&utils.ServerConfig{
		Host:         cfg.Service.Host,
		Port:         cfg.Service.Port,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}, v1Router.Handler())

	if err := utils.StartServerWithGracefulShutdown(ctx, server, serviceName); err != nil {
		slog.Error("Server stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("DataBridge stopped")
}

// openLedger connects the configured ledger backend and returns its closer
func openLedger(cfg config.LedgerConfig) (ledger.LedgerLog, func(), error) {
	switch cfg.Backend {
	case "fabric":
		l, err := ledger.NewFabricLedger(ledger.FabricConfig{
			PeerEndpoint:  cfg.Fabric.PeerEndpoint,
			PeerHostAlias: cfg.Fabric.PeerHostAlias,
			TLSCertPath:   cfg.Fabric.TLSCertPath,
			MSPID:         cfg.Fabric.MSPID,
			CertPath:      cfg.Fabric.CertPath,
			KeyPath:       cfg.Fabric.KeyPath,
			Channel:       cfg.Fabric.Channel,
			Chaincode:     cfg.Fabric.Chaincode,
		})
		if err != nil {
			return nil, nil, err
		}
		return l, func() { _ = l.Close() }, nil
	case "redis", "":
		l, err := ledger.NewRedisStreamLedger(&ledger.RedisConfig{
			Addr:            cfg.Redis.Addr,
			Username:        cfg.Redis.Username,
			Password:        cfg.Redis.Password,
			DB:              cfg.Redis.DB,
			TLS:             cfg.Redis.TLS,
			MaxPayloadBytes: 64 << 10,
		})
		if err != nil {
			return nil, nil, err
		}
		return l, func() { _ = l.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown ledger backend %q", cfg.Backend)
	}
}

func newLogger(w io.Writer, cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level, AddSource: true}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
