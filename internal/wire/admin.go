package wire

import "time"

// Operator-endpoint error codes. These never come out of a verification
// endpoint, so they sit outside the closed classification set; clients
// surface them to the operator verbatim.
const (
	// CodeInsufficientCandidates: a seed asked for more chains than there
	// are eligible holders. The seed created nothing.
	CodeInsufficientCandidates Code = "INSUFFICIENT_CANDIDATES"
	// CodeInvalidRequest: the request body failed validation.
	CodeInvalidRequest Code = "INVALID_REQUEST"
	// CodeNotFound: the addressed session or participant does not exist.
	CodeNotFound Code = "NOT_FOUND"
	// CodeInternal: an unexpected server fault; the scan was neither
	// verified nor rejected.
	CodeInternal Code = "INTERNAL"
)

// SessionCreateRequest creates a session. Policy and PolicyRego are
// optional; a session without them accepts every envelope.
type SessionCreateRequest struct {
	Title      string         `json:"title"`
	StartsAt   time.Time      `json:"startsAt"`
	EndsAt     time.Time      `json:"endsAt"`
	Policy     *SessionPolicy `json:"policy,omitempty"`
	PolicyRego string         `json:"policyRego,omitempty"`
}

// SessionPolicy is the anti-cheat configuration in transit.
type SessionPolicy struct {
	GPSRequired   bool      `json:"gpsRequired,omitempty"`
	Geofence      *Geofence `json:"geofence,omitempty"`
	WifiAllowlist []string  `json:"wifiAllowlist,omitempty"`
}

// Geofence is a circular area scans must originate from.
type Geofence struct {
	Latitude     float64 `json:"latitude"`
	Longitude    float64 `json:"longitude"`
	RadiusMeters float64 `json:"radiusMeters"`
}

// SessionResponse is one session as the operator console sees it.
// JoinToken is the static join code payload; it is present only for
// operator reads, never on participant-facing bodies.
type SessionResponse struct {
	ID        string         `json:"id"`
	Title     string         `json:"title"`
	State     string         `json:"state"`
	StartsAt  time.Time      `json:"startsAt"`
	EndsAt    time.Time      `json:"endsAt"`
	JoinToken string         `json:"joinToken,omitempty"`
	Policy    *SessionPolicy `json:"policy,omitempty"`
}

// SessionStateRequest moves a session through its lifecycle.
type SessionStateRequest struct {
	State string `json:"state"`
}

// SessionPolicyRequest replaces a session's anti-cheat policy.
type SessionPolicyRequest struct {
	Policy     *SessionPolicy `json:"policy,omitempty"`
	PolicyRego string         `json:"policyRego,omitempty"`
}

// ParticipantCreateRequest adds one roster member. DeviceToken is the
// bearer credential the participant's device will present; left empty,
// the server mints one.
type ParticipantCreateRequest struct {
	DisplayName string `json:"displayName"`
	DeviceToken string `json:"deviceToken,omitempty"`
	Eligible    *bool  `json:"eligible,omitempty"`
}

// ParticipantResponse is one roster member. DeviceToken appears only in
// the create response so the operator can hand it to the device.
type ParticipantResponse struct {
	ID          string `json:"id"`
	SessionID   string `json:"sessionId"`
	DisplayName string `json:"displayName"`
	DeviceToken string `json:"deviceToken,omitempty"`
	Eligible    bool   `json:"eligible"`
}

// ParticipantListResponse is the session roster.
type ParticipantListResponse struct {
	Participants []ParticipantResponse `json:"participants"`
}

// ScanEventRecord is one audit row as the operator console reads it.
type ScanEventRecord struct {
	ID            string    `json:"id"`
	ParticipantID string    `json:"participantId,omitempty"`
	Kind          string    `json:"kind"`
	TokenID       string    `json:"tokenId,omitempty"`
	ChainID       string    `json:"chainId,omitempty"`
	Outcome       string    `json:"outcome"`
	ErrorCode     string    `json:"errorCode,omitempty"`
	Fingerprint   string    `json:"fingerprint,omitempty"`
	IP            string    `json:"ip,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// ScanEventListResponse is a session's recent audit trail, newest first.
type ScanEventListResponse struct {
	Events []ScanEventRecord `json:"events"`
}
