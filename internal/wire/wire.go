// Package wire defines the JSON contract between scanning clients and the
// verification API: request and response bodies, the realtime event
// payloads, and the closed set of verification error codes with their
// client-facing classification.
package wire

// Envelope is the anti-cheat metadata attached to every verification
// request. DeviceFingerprint is "fp_" followed by a hex digest of stable
// device attributes; GPS is present only when the device granted location.
// Wifi is the connected SSID when the device can read it.
type Envelope struct {
	DeviceFingerprint string    `json:"deviceFingerprint"`
	UserAgent         string    `json:"userAgent"`
	GPS               *GeoPoint `json:"gps,omitempty"`
	Wifi              string    `json:"wifi,omitempty"`
}

// GeoPoint is a WGS84 coordinate.
type GeoPoint struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// VerifyRequest is the body submitted to every per-kind verification
// endpoint. Etag is the token's optimistic-concurrency tag; consumption
// succeeds only while the (tokenId, etag) pair is still live. Raw is the
// captured token payload exactly as scanned; the server checks its
// signature and that its claims match TokenID and Etag.
type VerifyRequest struct {
	TokenID  string    `json:"tokenId"`
	Etag     string    `json:"etag"`
	HolderID string    `json:"holderId,omitempty"`
	Raw      string    `json:"raw"`
	Metadata *Envelope `json:"metadata"`
}

// VerifyResponse is the success body of a verification endpoint.
// HolderMarked is the participant whose presence the scan established;
// NewHolder, NewToken, and NewTokenEtag are set when the relay advanced
// and the scanner now carries the baton.
type VerifyResponse struct {
	Success      bool   `json:"success"`
	HolderMarked string `json:"holderMarked,omitempty"`
	NewHolder    string `json:"newHolder,omitempty"`
	NewToken     string `json:"newToken,omitempty"`
	NewTokenEtag string `json:"newTokenEtag,omitempty"`
}

// JoinRequest is the body for session join (the one capture kind that
// bypasses verification dispatch).
type JoinRequest struct {
	TokenID       string    `json:"tokenId"`
	Etag          string    `json:"etag"`
	ParticipantID string    `json:"participantId"`
	Raw           string    `json:"raw"`
	Metadata      *Envelope `json:"metadata,omitempty"`
}

// JoinResponse confirms roster membership.
type JoinResponse struct {
	Success   bool   `json:"success"`
	SessionID string `json:"sessionId"`
}

// SeedRequest asks for count fresh chains. Count must be between 1 and
// MaxSeedCount; the operation is all-or-nothing.
type SeedRequest struct {
	Count int `json:"count"`
}

// MaxSeedCount is the largest number of chains one seed request may create.
const MaxSeedCount = 50

// SeedResponse reports a successful (complete) seed.
type SeedResponse struct {
	ChainsCreated  int      `json:"chainsCreated"`
	InitialHolders []string `json:"initialHolders"`
}

// IssuedToken is a token delivered for rendering: the current token of an
// open rotating window, or the baton a chain holder carries. Value is the
// encoded payload the device renders for scanning.
type IssuedToken struct {
	Value     string `json:"value"`
	TokenID   string `json:"tokenId"`
	Etag      string `json:"etag"`
	ExpiresAt int64  `json:"expiresAt"`
}

// RotatingFetchResponse is the rotating-token fetch body. Token is null
// whenever the window is closed.
type RotatingFetchResponse struct {
	Token  *IssuedToken `json:"token"`
	Active bool         `json:"active"`
}

// ChainRecord is one relay chain as reported by the roster endpoint.
// LastActivityAt is epoch seconds, like token expiry.
type ChainRecord struct {
	ChainID        string `json:"chainId"`
	Phase          string `json:"phase"`
	Index          int    `json:"index"`
	HolderID       string `json:"holderId,omitempty"`
	Sequence       int64  `json:"sequence"`
	LastActivityAt int64  `json:"lastActivityAt"`
	State          string `json:"state"`
}

// ChainListResponse is the chain roster for one session.
type ChainListResponse struct {
	Chains []ChainRecord `json:"chains"`
}

// HolderChainResponse is the authenticated participant's own chain with
// the baton they currently carry. The server re-mints the baton when the
// previous one expired unconsumed, so Token is always renderable; a
// re-mint never counts as chain activity.
type HolderChainResponse struct {
	Chain ChainRecord  `json:"chain"`
	Token *IssuedToken `json:"token"`
}

// Realtime stream event names.
const (
	EventChainUpdate   = "chain_update"
	EventChainsStalled = "chains_stalled"
)

// ChainUpdateEvent is pushed on the realtime channel after every
// successful handoff and on explicit completion.
type ChainUpdateEvent struct {
	ChainID    string `json:"chainId"`
	Phase      string `json:"phase"`
	LastHolder string `json:"lastHolder"`
	LastSeq    int64  `json:"lastSeq"`
	State      string `json:"state"`
}

// ChainsStalledEvent is pushed when the staleness sweep flips chains to
// stalled.
type ChainsStalledEvent struct {
	StalledChainIDs []string `json:"stalledChainIds"`
}

// ErrorBody is the failure body of every endpoint.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries one code from the closed set and an operator-facing
// message.
type ErrorDetail struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}
