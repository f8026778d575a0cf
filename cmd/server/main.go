// Server runs the relay verification API: per-kind scan verification,
// session administration, chain operations, rotating windows, and the
// realtime event stream. Requires DATABASE_URL, TOKEN_PRIVATE_KEY, and
// TOKEN_PUBLIC_KEY; Kafka and OTLP export are optional.
package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	attendancerepo "batonrelay/internal/attendance/repository"
	"batonrelay/internal/audit"
	auditrepo "batonrelay/internal/audit/repository"
	chainrepo "batonrelay/internal/chain/repository"
	chainsvc "batonrelay/internal/chain/service"
	"batonrelay/internal/config"
	"batonrelay/internal/db"
	"batonrelay/internal/events"
	"batonrelay/internal/policy/engine"
	rotatingrepo "batonrelay/internal/rotating/repository"
	rotatingsvc "batonrelay/internal/rotating/service"
	"batonrelay/internal/security"
	"batonrelay/internal/server"
	"batonrelay/internal/server/middleware"
	sessionrepo "batonrelay/internal/session/repository"
	oteltel "batonrelay/internal/telemetry/otel"
	"batonrelay/internal/telemetry/producer"
	"batonrelay/internal/token"
	verifysvc "batonrelay/internal/verify/service"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := newLogger(cfg.Env)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func newLogger(env string) (*zap.Logger, error) {
	if env == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	pool, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	signer, err := security.ParsePrivateKey(cfg.TokenPrivateKey)
	if err != nil {
		return err
	}
	public, err := security.ParsePublicKey(cfg.TokenPublicKey)
	if err != nil {
		return err
	}
	codec := token.NewCodec(signer, public, cfg.TokenIssuer)

	providers, err := oteltel.NewProviders(ctx, cfg.OTLPEndpoint, cfg.ServiceName, logger)
	if err != nil {
		return err
	}
	providers.SetGlobal()
	defer func() {
		shCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = providers.Shutdown(shCtx)
	}()

	sessions := sessionrepo.NewPostgresRepository(pool)
	chains := chainrepo.NewPostgresRepository(pool)
	windows := rotatingrepo.NewPostgresRepository(pool)
	marks := attendancerepo.NewPostgresRepository(pool)
	auditRows := auditrepo.NewPostgresRepository(pool)

	bus := events.NewBroadcaster(logger)
	evaluator := engine.NewOPAEvaluator(logger)

	// Scan audit goes to Postgres always; the Kafka mirror is attached
	// only when brokers are configured, falling back to the OTLP log
	// stream when that is live instead.
	kafkaProducer := producer.NewKafkaProducer(cfg.AuditKafkaBrokersList(), cfg.AuditKafkaTopic, logger)
	var emitter audit.Emitter
	if kafkaProducer != nil {
		emitter = kafkaProducer
		defer kafkaProducer.Close() //nolint:errcheck
	} else if cfg.OTLPEndpoint != "" {
		emitter = oteltel.NewScanEventEmitter(providers.LoggerProvider)
	}
	recorder := audit.NewRecorder(auditRows, emitter, logger)

	verifyAtomic := func(ctx context.Context, fn func(st verifysvc.Stores) error) error {
		return db.WithinTx(ctx, pool, func(tx *sql.Tx) error {
			return fn(verifysvc.Stores{
				Sessions: sessions.WithTx(tx),
				Chains:   chains.WithTx(tx),
				Windows:  windows.WithTx(tx),
				Marks:    marks.WithTx(tx),
			})
		})
	}
	verify := verifysvc.NewVerifyService(verifysvc.Stores{
		Sessions: sessions,
		Chains:   chains,
		Windows:  windows,
		Marks:    marks,
	}, verifyAtomic, codec, evaluator, recorder, bus, logger)

	chainAtomic := func(ctx context.Context, fn func(ss chainsvc.SessionStore, cs chainsvc.ChainStore) error) error {
		return db.WithinTx(ctx, pool, func(tx *sql.Tx) error {
			return fn(sessions.WithTx(tx), chains.WithTx(tx))
		})
	}
	chainService := chainsvc.NewChainService(sessions, chains, chainAtomic, codec, bus, logger,
		chainsvc.WithSweepInterval(cfg.SweepEvery()))

	rotating := rotatingsvc.NewRotatingService(sessions, windows, codec, logger)

	telemetry, err := middleware.NewTelemetry(providers.TracerProvider, providers.MeterProvider, logger)
	if err != nil {
		return err
	}

	srv := server.New(server.Deps{
		Log:           logger,
		Sessions:      sessions,
		Audit:         auditRows,
		Verify:        verify,
		Chains:        chainService,
		Rotating:      rotating,
		Bus:           bus,
		Codec:         codec,
		OperatorToken: cfg.OperatorToken,
		RateLimiter:   middleware.NewScanRateLimiter(cfg.ScanRatePerMinute, cfg.ScanRateBurst),
		Telemetry:     telemetry,
		DB:            pool,
		Policy:        evaluator,
	})

	go chainService.Run(ctx)

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: srv.Handler(),
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shCtx); err != nil {
		return err
	}
	// Give in-flight async audit emits time to land before the producer
	// closes on defer.
	time.Sleep(audit.ShutdownDrainDuration)
	logger.Info("server stopped")
	return nil
}
