// Package domain holds attendance marks: the durable record that a
// participant's presence (or departure) was established by a scan.
package domain

import (
	"time"

	"batonrelay/internal/token"
)

// Kind is what a mark establishes.
type Kind string

const (
	KindEntry      Kind = "entry"
	KindExit       Kind = "exit"
	KindLateEntry  Kind = "late_entry"
	KindEarlyLeave Kind = "early_leave"
)

// Via records which channel produced the mark.
type Via string

const (
	ViaChain    Via = "chain"
	ViaRotating Via = "rotating"
)

// Mark is one attendance record. A participant carries at most one mark
// per kind per session; repeat scans are idempotent.
type Mark struct {
	ID            string
	SessionID     string
	ParticipantID string
	Kind          Kind
	Via           Via
	ChainID       string
	TokenID       string
	MarkedAt      time.Time
}

// ForTokenKind maps a verifiable token kind to the mark it produces and
// the channel it arrives through. SessionJoin produces no mark.
func ForTokenKind(k token.Kind) (Kind, Via, bool) {
	switch k {
	case token.KindEntryChain:
		return KindEntry, ViaChain, true
	case token.KindExitChain:
		return KindExit, ViaChain, true
	case token.KindLateEntry:
		return KindLateEntry, ViaRotating, true
	case token.KindEarlyLeave:
		return KindEarlyLeave, ViaRotating, true
	}
	return "", "", false
}

// ChainMarkKind returns the mark kind a chain phase collects.
func ChainMarkKind(phase string) Kind {
	if phase == "exit" {
		return KindExit
	}
	return KindEntry
}
