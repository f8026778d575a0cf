// Display is the operator-side rotating token display: it opens the
// session's late-entry or early-leave window, keeps a live token on
// screen (stdout) through scheduled refreshes, and closes the window on
// shutdown. Requires API_BASE_URL, OPERATOR_TOKEN, and SESSION_ID.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"batonrelay/internal/apiclient"
	"batonrelay/internal/config"
	"batonrelay/internal/rotator"
	"batonrelay/internal/token"
	"batonrelay/internal/wire"
)

const closeTimeout = 5 * time.Second

func main() {
	purpose := flag.String("purpose", string(token.KindLateEntry), "Rotating window purpose: late_entry or early_leave")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.APIBaseURL == "" || cfg.OperatorToken == "" || cfg.SessionID == "" {
		log.Fatal("display: API_BASE_URL, OPERATOR_TOKEN, and SESSION_ID are required")
	}
	kind := token.Kind(*purpose)
	if !kind.IsRotating() {
		log.Fatalf("display: %q is not a rotating token kind", *purpose)
	}

	logger, err := newLogger(cfg.Env)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, kind, logger); err != nil {
		logger.Fatal("display exited", zap.Error(err))
	}
}

func newLogger(env string) (*zap.Logger, error) {
	if env == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

func run(ctx context.Context, cfg *config.Config, kind token.Kind, logger *zap.Logger) error {
	client, err := apiclient.New(logger, cfg.APIBaseURL,
		apiclient.WithBearerToken(cfg.OperatorToken),
		apiclient.WithUserAgent("batonrelay-display"),
	)
	if err != nil {
		return err
	}

	if err := client.OpenRotating(ctx, cfg.SessionID, kind); err != nil {
		return fmt.Errorf("open window: %w", err)
	}

	ctrl, err := rotator.NewController(logger, client.RotatingSource(cfg.SessionID), kind,
		rotator.WithTokenCallback(func(tok *wire.IssuedToken) {
			fmt.Printf("\n=== %s token (expires %s) ===\n%s\n",
				kind, time.Unix(tok.ExpiresAt, 0).Format(time.TimeOnly), tok.Value)
		}))
	if err != nil {
		return err
	}

	if err := ctrl.Open(ctx); err != nil {
		// The window stays open; the scheduled refresh keeps retrying.
		logger.Warn("initial token fetch failed", zap.Error(err))
	}
	logger.Info("display running",
		zap.String("session_id", cfg.SessionID),
		zap.String("purpose", string(kind)))

	<-ctx.Done()

	ctrl.Close()
	closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := client.CloseRotating(closeCtx, cfg.SessionID, kind); err != nil {
		logger.Warn("window close failed, operator should close it manually", zap.Error(err))
	}
	logger.Info("display stopped")
	return nil
}
