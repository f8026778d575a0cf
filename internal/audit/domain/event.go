// Package domain holds the scan audit trail: one event per verification
// attempt, successful or not.
package domain

import "time"

// Outcome is how a scan ended.
type Outcome string

const (
	OutcomeVerified Outcome = "verified"
	OutcomeRejected Outcome = "rejected"
)

// ScanEvent is one audit record. ErrorCode is the wire code for rejected
// scans and empty for verified ones. The JSON form is the Kafka message
// the audit pipeline ships to Loki.
type ScanEvent struct {
	ID            string    `json:"id"`
	SessionID     string    `json:"sessionId"`
	ParticipantID string    `json:"participantId,omitempty"`
	Kind          string    `json:"kind"`
	TokenID       string    `json:"tokenId,omitempty"`
	ChainID       string    `json:"chainId,omitempty"`
	Outcome       Outcome   `json:"outcome"`
	ErrorCode     string    `json:"errorCode,omitempty"`
	Fingerprint   string    `json:"fingerprint,omitempty"`
	IP            string    `json:"ip,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}
