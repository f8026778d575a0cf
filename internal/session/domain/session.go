// Package domain holds the session aggregate: the attendance-taking
// occasion itself plus its roster of participants and anti-cheat policy.
package domain

import (
	"errors"
	"strings"
	"time"
)

// State is the session lifecycle state.
type State string

const (
	StateScheduled State = "scheduled"
	StateActive    State = "active"
	StateClosed    State = "closed"
)

// Session is one attendance-taking occasion. The join token trio is the
// static payload printed as the session's join code; unlike relay tokens
// it is scanned by many participants and is never consumed.
type Session struct {
	ID             string
	Title          string
	State          State
	StartsAt       time.Time
	EndsAt         time.Time
	JoinTokenID    string
	JoinEtag       string
	JoinTokenValue string
	Policy         Policy
	PolicyRego     string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Validate checks the fields a caller must supply before Create.
func (s *Session) Validate() error {
	if strings.TrimSpace(s.Title) == "" {
		return errors.New("session title is required")
	}
	if s.StartsAt.IsZero() || s.EndsAt.IsZero() {
		return errors.New("session start and end times are required")
	}
	if !s.EndsAt.After(s.StartsAt) {
		return errors.New("session must end after it starts")
	}
	return nil
}

// AcceptsScans reports whether verification traffic is allowed right now.
func (s *Session) AcceptsScans() bool {
	return s.State == StateActive
}

// Geofence is a circular area scans must originate from.
type Geofence struct {
	Latitude     float64 `json:"latitude"`
	Longitude    float64 `json:"longitude"`
	RadiusMeters float64 `json:"radiusMeters"`
}

// Policy is the per-session anti-cheat configuration, persisted as JSON.
// A zero Policy imposes no restrictions.
type Policy struct {
	GPSRequired   bool      `json:"gpsRequired,omitempty"`
	Geofence      *Geofence `json:"geofence,omitempty"`
	WifiAllowlist []string  `json:"wifiAllowlist,omitempty"`
}

// Participant is one roster member. DeviceToken is the bearer credential
// the participant's device presents on every request; Fingerprint is the
// device fingerprint recorded at join time.
type Participant struct {
	ID          string
	SessionID   string
	DisplayName string
	DeviceToken string
	Fingerprint string
	Eligible    bool
	JoinedAt    time.Time
}
