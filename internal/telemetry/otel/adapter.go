package otel

import (
	"context"
	"encoding/json"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"batonrelay/internal/audit/domain"
)

// recordLogger is the slice of otellog.Logger the adapter uses; tests
// substitute a capture.
type recordLogger interface {
	Emit(ctx context.Context, rec otellog.Record)
}

// ScanEventEmitter sends scan events as OTel log records. It satisfies
// the audit recorder's Emitter interface, so deployments without Kafka
// can ship the audit trail through the OTLP collector instead.
type ScanEventEmitter struct {
	logger recordLogger
}

// NewScanEventEmitter returns an emitter writing through provider. A
// nil provider returns a no-op emitter.
func NewScanEventEmitter(provider *sdklog.LoggerProvider) *ScanEventEmitter {
	if provider == nil {
		return &ScanEventEmitter{}
	}
	return &ScanEventEmitter{logger: provider.Logger("batonrelay.audit")}
}

// newScanEventEmitterWithLogger is the test seam.
func newScanEventEmitterWithLogger(l recordLogger) *ScanEventEmitter {
	return &ScanEventEmitter{logger: l}
}

// Emit converts the event to an OTel log record and emits it. The full
// event JSON is the record body; the fields operators filter on become
// attributes. Best-effort: a nil emitter or event is a no-op.
func (e *ScanEventEmitter) Emit(ctx context.Context, event *domain.ScanEvent) error {
	if e == nil || e.logger == nil || event == nil {
		return nil
	}
	rec := otellog.Record{}
	if !event.CreatedAt.IsZero() {
		rec.SetTimestamp(event.CreatedAt)
	} else {
		rec.SetTimestamp(time.Now().UTC())
	}
	if body, err := json.Marshal(event); err == nil {
		rec.SetBody(otellog.BytesValue(body))
	}
	if event.SessionID != "" {
		rec.AddAttributes(otellog.String("session_id", event.SessionID))
	}
	if event.ParticipantID != "" {
		rec.AddAttributes(otellog.String("participant_id", event.ParticipantID))
	}
	if event.Kind != "" {
		rec.AddAttributes(otellog.String("kind", event.Kind))
	}
	if event.ChainID != "" {
		rec.AddAttributes(otellog.String("chain_id", event.ChainID))
	}
	rec.AddAttributes(otellog.String("outcome", string(event.Outcome)))
	if event.ErrorCode != "" {
		rec.AddAttributes(otellog.String("error_code", event.ErrorCode))
	}
	e.logger.Emit(ctx, rec)
	return nil
}
