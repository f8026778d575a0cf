// Package producer ships scan audit events to the stream backing the
// log pipeline (Kafka in production).
package producer

import (
	"context"

	"batonrelay/internal/audit/domain"
)

// Producer emits scan events. Callers use it best-effort: log and
// ignore errors.
type Producer interface {
	// Emit sends a single scan event. Implementations may block briefly;
	// call from a goroutine if the caller must not wait.
	Emit(ctx context.Context, event *domain.ScanEvent) error
	// Close releases resources (e.g. the Kafka writer). Safe to call if
	// already closed.
	Close() error
}
