// Kiosk is the headless scanning agent: it reads raw token captures
// from stdin (one per line), runs each through the dispatch state
// machine, mirrors chain progress from the realtime stream, and queues
// deliveries that fail on transport for replay when connectivity
// returns. Requires API_BASE_URL, API_TOKEN, SESSION_ID, and
// PARTICIPANT_ID; METRICS_ADDR exposes Prometheus metrics when set.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"batonrelay/internal/apiclient"
	"batonrelay/internal/config"
	"batonrelay/internal/connectivity"
	"batonrelay/internal/metadata"
	"batonrelay/internal/outbox"
	"batonrelay/internal/scanner"
	"batonrelay/internal/token"
	"batonrelay/internal/tracker"
	"batonrelay/internal/wire"
)

const (
	// probeInterval is the background reachability check cadence.
	probeInterval = 30 * time.Second

	// dispatchTimeout bounds one capture's trip through the dispatcher.
	dispatchTimeout = 15 * time.Second

	// streamBackoff spaces event-stream reconnect attempts.
	streamBackoff = 5 * time.Second
)

var (
	scansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kiosk_scans_total",
		Help: "Captures processed, by final status.",
	}, []string{"status"})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kiosk_outbox_depth",
		Help: "Deliveries waiting in the offline queue.",
	})
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	for name, v := range map[string]string{
		"API_BASE_URL":   cfg.APIBaseURL,
		"API_TOKEN":      cfg.APIToken,
		"SESSION_ID":     cfg.SessionID,
		"PARTICIPANT_ID": cfg.ParticipantID,
	} {
		if v == "" {
			log.Fatalf("kiosk: %s is required", name)
		}
	}

	logger, err := newLogger(cfg.Env)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("kiosk exited", zap.Error(err))
	}
}

func newLogger(env string) (*zap.Logger, error) {
	if env == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	// Start offline; the first successful request flips the monitor. The
	// probe closure is bound before the client exists, so the monitor's
	// Run loop must not start until the client is assigned.
	var client *apiclient.Client
	monitor := connectivity.NewMonitor(logger, connectivity.StateOffline,
		connectivity.WithProbe(connectivity.ProbeFunc(func(ctx context.Context) error {
			return client.Probe(ctx)
		}), probeInterval))

	client, err := apiclient.New(logger, cfg.APIBaseURL,
		apiclient.WithBearerToken(cfg.APIToken),
		apiclient.WithUserAgent("batonrelay-kiosk"),
		apiclient.WithMonitor(monitor),
	)
	if err != nil {
		return err
	}

	queue := outbox.NewQueue(logger,
		outbox.WithTerminalCallback(func(it outbox.Item, err error) {
			logger.Error("delivery abandoned",
				zap.String("id", it.ID),
				zap.String("description", it.Description),
				zap.Error(err))
		}))

	events, unsubscribe := monitor.Subscribe()
	defer unsubscribe()
	go queue.Watch(ctx, events)
	go monitor.Run(ctx)

	hostname, _ := os.Hostname()
	collectorOpts := []metadata.Option{}
	if cfg.WifiSSID != "" {
		collectorOpts = append(collectorOpts, metadata.WithWifi(cfg.WifiSSID))
	}
	collector := metadata.NewCollector(logger, metadata.Traits{
		Hostname:  hostname,
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		InstallID: cfg.ParticipantID,
	}, "batonrelay-kiosk", collectorOpts...)

	// Decode-only codec: the kiosk parses captures for routing and lets
	// the verification endpoint check signatures.
	codec := token.NewCodec(nil, nil, "")

	dispatcher := scanner.NewDispatcher(logger, codec, collector, client, client, queue, cfg.ParticipantID,
		scanner.WithDeferredResult(func(kind token.Kind, tokenID string, resp *wire.VerifyResponse, err error) {
			if err != nil {
				logger.Warn("replayed delivery rejected",
					zap.String("kind", string(kind)),
					zap.String("token_id", tokenID),
					zap.Error(err))
				return
			}
			logger.Info("replayed delivery verified",
				zap.String("kind", string(kind)),
				zap.String("token_id", tokenID),
				zap.String("holder_marked", resp.HolderMarked))
		}))

	track := tracker.New(logger)
	go track.Run(ctx)
	go streamLoop(ctx, client, cfg.SessionID, track, logger)
	preloadRoster(ctx, client, cfg.SessionID, track, logger)

	if cfg.MetricsAddr != "" {
		go serveMetrics(ctx, cfg.MetricsAddr, logger)
	}

	logger.Info("kiosk ready",
		zap.String("session_id", cfg.SessionID),
		zap.String("participant_id", cfg.ParticipantID),
		zap.String("fingerprint", collector.DeviceFingerprint()))

	return captureLoop(ctx, dispatcher, queue, logger)
}

// captureLoop reads one raw capture per stdin line and dispatches it.
func captureLoop(ctx context.Context, d *scanner.Dispatcher, queue *outbox.Queue, logger *zap.Logger) error {
	sc := bufio.NewScanner(os.Stdin)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lines := make(chan string)
	go func() {
		defer close(lines)
		for sc.Scan() {
			if raw := sc.Text(); raw != "" {
				select {
				case lines <- raw:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case raw, ok := <-lines:
			if !ok {
				return sc.Err()
			}
			dispatchOne(ctx, d, raw, logger)
			queueDepth.Set(float64(queue.Len()))
		}
	}
}

func dispatchOne(ctx context.Context, d *scanner.Dispatcher, raw string, logger *zap.Logger) {
	dCtx, cancel := context.WithTimeout(ctx, dispatchTimeout)
	defer cancel()

	outcome, err := d.Dispatch(dCtx, raw)
	if err != nil {
		scansTotal.WithLabelValues("rejected").Inc()
		var rej *scanner.Rejection
		switch {
		case errors.As(err, &rej):
			fmt.Printf("rejected: %s (%s)\n", rej.Message, rej.Code)
		case errors.Is(err, scanner.ErrInvalidFormat):
			fmt.Println("rejected: not a recognizable token")
		case errors.Is(err, scanner.ErrExpiredToken):
			fmt.Println("rejected: token expired, capture a fresh one")
		default:
			logger.Warn("dispatch failed", zap.Error(err))
			fmt.Println("rejected:", err)
		}
		return
	}

	scansTotal.WithLabelValues(outcome.Status.String()).Inc()
	switch outcome.Status {
	case scanner.StatusVerified:
		if outcome.BecameHolder {
			fmt.Printf("verified: marked %s, you now carry the baton\n", outcome.PeerMarked)
		} else {
			fmt.Printf("verified: marked %s\n", outcome.PeerMarked)
		}
	case scanner.StatusJoined:
		fmt.Printf("joined session %s\n", outcome.Joined.SessionID)
	case scanner.StatusDuplicate:
		// Absorbed; stay quiet like a real scanner would.
	case scanner.StatusQueued:
		fmt.Printf("offline: delivery queued (%s), will retry\n", outcome.QueueID)
	}
}

// streamLoop keeps the realtime stream open, folding events into the
// tracker and reconnecting on every failure until ctx is done.
func streamLoop(ctx context.Context, client *apiclient.Client, sessionID string, track *tracker.Tracker, logger *zap.Logger) {
	for {
		err := client.StreamEvents(ctx, sessionID,
			func(ev wire.ChainUpdateEvent) {
				track.ApplyUpdate(ev)
			},
			func(ev wire.ChainsStalledEvent) {
				track.MarkStalled(ev.StalledChainIDs)
			})
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			logger.Warn("event stream interrupted, reconnecting",
				zap.Duration("backoff", streamBackoff), zap.Error(err))
		}
		select {
		case <-time.After(streamBackoff):
		case <-ctx.Done():
			return
		}
	}
}

// preloadRoster seeds the tracker from the chain roster so the display
// is complete before the first realtime event arrives.
func preloadRoster(ctx context.Context, client *apiclient.Client, sessionID string, track *tracker.Tracker, logger *zap.Logger) {
	resp, err := client.ListChains(ctx, sessionID)
	if err != nil {
		logger.Warn("chain roster preload failed", zap.Error(err))
		return
	}
	for _, ch := range resp.Chains {
		track.Track(tracker.RelayChain{
			ChainID:        ch.ChainID,
			Phase:          tracker.Phase(ch.Phase),
			Index:          ch.Index,
			HolderID:       ch.HolderID,
			Sequence:       ch.Sequence,
			LastActivityAt: time.Unix(ch.LastActivityAt, 0),
			State:          tracker.State(ch.State),
		})
	}
	logger.Info("chain roster preloaded", zap.Int("chains", len(resp.Chains)))
}

func serveMetrics(ctx context.Context, addr string, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
	}()

	logger.Info("metrics listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Warn("metrics server failed", zap.Error(err))
	}
}
