package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"calotrack/backend/internal/audit"
	auditrepo "calotrack/backend/internal/audit/repository"
	"calotrack/backend/internal/config"
	"calotrack/backend/internal/db"
	healthhandler "calotrack/backend/internal/health/handler"
	hphandler "calotrack/backend/internal/healthprofile/handler"
	hprepo "calotrack/backend/internal/healthprofile/repository"
	hpservice "calotrack/backend/internal/healthprofile/service"
	identityhandler "calotrack/backend/internal/identity/handler"
	identityservice "calotrack/backend/internal/identity/service"
	"calotrack/backend/internal/logging"
	"calotrack/backend/internal/phi"
	"calotrack/backend/internal/platform/requestmeta"
	"calotrack/backend/internal/refreshtoken"
	refreshrepo "calotrack/backend/internal/refreshtoken/repository"
	"calotrack/backend/internal/security"
	"calotrack/backend/internal/server"
	telemetryotel "calotrack/backend/internal/telemetry/otel"
	"calotrack/backend/internal/telemetry/producer"
	"calotrack/backend/internal/token"
	userrepo "calotrack/backend/internal/user/repository"
)

const (
	auditRetryBackoff  = 50 * time.Millisecond
	refreshPurgeGrace  = 24 * time.Hour
	shutdownTimeout    = 10 * time.Second
	readHeaderTimeout  = 5 * time.Second
	redisRefreshPrefix = "calotrack:refresh"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	logger := logging.New(os.Stdout, cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := telemetryotel.NewProviders(ctx, cfg.OTLPEndpoint, cfg.ServiceName, cfg.Env, cfg.OTLPInsecure)
	if err != nil {
		log.Fatalf("otel: %v", err)
	}
	providers.SetGlobal()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := providers.Shutdown(shutdownCtx); err != nil {
			logger.Error(shutdownCtx, "otel shutdown", "error", err)
		}
	}()

	sqlDB, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer sqlDB.Close()

	// Audit: Postgres is the record of truth; Kafka and OTel logs are best-effort copies.
	secondaries := []audit.Writer{telemetryotel.NewAuditEmitter(providers.LoggerProvider)}
	kafkaProducer, err := producer.NewKafkaProducer(cfg.KafkaBrokersList(), cfg.AuditKafkaTopic)
	if err != nil {
		log.Fatalf("kafka: %v", err)
	}
	if kafkaProducer != nil {
		defer kafkaProducer.Close()
		secondaries = append(secondaries, kafkaProducer)
		logger.Info(ctx, "audit streaming to kafka", "topic", cfg.AuditKafkaTopic)
	}
	auditLogger := audit.NewLogger(
		audit.Tee(logger, audit.RepositoryWriter(auditrepo.NewPostgresRepository(sqlDB)), secondaries...),
		requestmeta.ClientIP,
		audit.WithRetry(cfg.AuditRetryAttempts, auditRetryBackoff),
		audit.WithLogger(logger.With("component", "audit")),
	)
	var sink audit.Sink = auditLogger
	if cfg.AuditBufferSize > 0 {
		dispatcher := audit.NewDispatcher(auditLogger, cfg.AuditBufferSize)
		defer dispatcher.Close()
		sink = dispatcher
	}

	metrics, err := telemetryotel.NewAuthMetrics(providers.MeterProvider)
	if err != nil {
		log.Fatalf("metrics: %v", err)
	}

	refreshStore, closeStore, err := newRefreshStore(cfg, sqlDB, logger.With("component", "refreshtoken"))
	if err != nil {
		log.Fatalf("refresh store: %v", err)
	}
	defer closeStore()
	go refreshtoken.NewCleaner(refreshStore, cfg.RefreshCleanupInterval(), refreshPurgeGrace, logger.With("component", "refreshtoken")).Run(ctx)

	provider, err := security.NewTokenProvider([]byte(cfg.AccessTokenSecret), []byte(cfg.RefreshTokenSecret), cfg.JWTIssuer, cfg.JWTAudience, cfg.AccessTTL(), cfg.RefreshTTL())
	if err != nil {
		log.Fatalf("tokens: %v", err)
	}
	cipher, err := phi.NewCipher([]byte(cfg.EncryptionKey))
	if err != nil {
		log.Fatalf("phi: %v", err)
	}

	users := userrepo.NewPostgresRepository(sqlDB)
	tokens := token.NewService(provider, security.NewRefreshHasher(cfg.RefreshHashCost), refreshStore, users,
		token.WithRotation(cfg.RefreshRotation),
		token.WithAudit(sink),
		token.WithMetrics(metrics),
		token.WithLogger(logger.With("component", "token")),
	)
	authSvc := identityservice.NewAuthService(users, security.NewHasher(cfg.BcryptCost), tokens, sink, logger.With("component", "identity"))
	profileSvc := hpservice.NewService(hprepo.NewPostgresRepository(sqlDB), cipher, sink, logger.With("component", "healthprofile"), phi.NeedsUpgrade)
	health := healthhandler.NewServer(sqlDB, logger.With("component", "health"))

	router, err := server.NewRouter(server.HTTPDeps{
		Auth:           identityhandler.NewAuthHandler(authSvc, logger),
		HealthProfiles: hphandler.NewHandler(profileSvc, logger),
		Health:         health,
		Verifier:       tokens,
		LiveTokenCheck: cfg.CheckTokenVersion,
		Audit:          sink,
		Log:            logger.With("component", "http"),
		TrustedProxies: cfg.TrustedProxiesList(),
	})
	if err != nil {
		log.Fatalf("router: %v", err)
	}
	httpSrv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: readHeaderTimeout}

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		log.Fatalf("listen: %v", err)
	}
	grpcSrv := server.NewGRPCServer(server.GRPCDeps{Health: health})

	go func() {
		logger.Info(ctx, "gRPC server listening", "addr", cfg.GRPCAddr)
		if err := grpcSrv.Serve(lis); err != nil {
			logger.Error(ctx, "gRPC serve", "error", err)
			stop()
		}
	}()
	go func() {
		logger.Info(ctx, "HTTP server listening", "addr", cfg.HTTPAddr, "refresh_store", cfg.RefreshStore, "rotation", tokens.Rotation())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(ctx, "HTTP serve", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info(context.Background(), "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error(shutdownCtx, "HTTP shutdown", "error", err)
	}
	grpcSrv.GracefulStop()
	logger.Info(shutdownCtx, "servers stopped")
}

// newRefreshStore returns the refresh token store selected by REFRESH_STORE and a close function.
func newRefreshStore(cfg *config.Config, sqlDB *sql.DB, logger logging.Logger) (refreshrepo.Repository, func(), error) {
	switch cfg.RefreshStore {
	case config.StoreRedis:
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, err
		}
		return refreshrepo.NewRedisRepository(rdb, redisRefreshPrefix, refreshrepo.WithRedisLogger(logger)), func() { _ = rdb.Close() }, nil
	case config.StoreMemory:
		return refreshrepo.NewMemoryRepository(), func() {}, nil
	default:
		return refreshrepo.NewPostgresRepository(sqlDB), func() {}, nil
	}
}
