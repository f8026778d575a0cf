// Package audit records every verification attempt, successful or not,
// in two sinks: a Postgres table for the operator console and a Kafka
// topic consumed by the log pipeline. Both writes are best-effort and
// never affect the scan outcome.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"batonrelay/internal/audit/domain"
	auditrepo "batonrelay/internal/audit/repository"
)

// emitTimeout is the max time allowed for a single async stream emit.
// Used by Record and by ShutdownDrainDuration.
const emitTimeout = 5 * time.Second

// ShutdownDrainDuration is how long to wait after the HTTP server stops
// before closing the Kafka producer, so in-flight async emits have time
// to complete. Must be >= emitTimeout.
const ShutdownDrainDuration = emitTimeout

// Emitter ships a scan event to the audit stream. Callers use it
// best-effort: log and ignore errors.
type Emitter interface {
	Emit(ctx context.Context, event *domain.ScanEvent) error
}

// Recorder is the single audit surface: Record persists the event row
// and mirrors it onto the stream in a background goroutine.
type Recorder struct {
	repo    auditrepo.Repository
	emitter Emitter
	log     *zap.Logger
}

// NewRecorder returns a Recorder writing rows to repo and stream
// messages through emitter. Either sink may be nil and is then skipped.
func NewRecorder(repo auditrepo.Repository, emitter Emitter, log *zap.Logger) *Recorder {
	return &Recorder{repo: repo, emitter: emitter, log: log}
}

// Record writes one audit entry. Best-effort: errors are logged and not
// returned. The ID and timestamp are stamped here when the caller left
// them blank.
//
// The stream emit runs on a goroutine with context.Background() and
// emitTimeout so request cancellation does not abort an in-flight emit.
func (r *Recorder) Record(ctx context.Context, event *domain.ScanEvent) {
	if event == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	if r.repo != nil {
		if err := r.repo.Create(ctx, event); err != nil {
			r.log.Warn("failed to persist scan event",
				zap.String("session_id", event.SessionID),
				zap.String("kind", event.Kind),
				zap.Error(err))
		}
	}

	if r.emitter == nil {
		return
	}
	go func() {
		emitCtx, cancel := context.WithTimeout(context.Background(), emitTimeout)
		defer cancel()
		if err := r.emitter.Emit(emitCtx, event); err != nil {
			r.log.Warn("async scan event emit failed",
				zap.String("session_id", event.SessionID),
				zap.Error(err))
		}
	}()
}
