package wire

import "fmt"

// Code is a verification failure code. The set is closed: endpoints return
// nothing outside it, and clients classify every member.
type Code string

const (
	CodeExpiredToken      Code = "EXPIRED_TOKEN"
	CodeTokenAlreadyUsed  Code = "TOKEN_ALREADY_USED"
	CodeRateLimited       Code = "RATE_LIMITED"
	CodeLocationViolation Code = "LOCATION_VIOLATION"
	CodeGeofenceViolation Code = "GEOFENCE_VIOLATION"
	CodeWifiViolation     Code = "WIFI_VIOLATION"
	CodeUnauthorized      Code = "UNAUTHORIZED"
	CodeInvalidState      Code = "INVALID_STATE"
	CodeIneligibleStudent Code = "INELIGIBLE_STUDENT"
)

// Category is the client-facing grouping a code maps to. Each code maps to
// exactly one category.
type Category string

const (
	// CategoryExpired: the token died before the scan landed; only a fresh
	// capture can proceed.
	CategoryExpired Category = "expired"
	// CategoryAlreadyUsed: someone consumed this baton first.
	CategoryAlreadyUsed Category = "already_used"
	// CategoryThrottled: too many attempts; try again shortly.
	CategoryThrottled Category = "throttled"
	// CategoryLocation: the anti-cheat envelope failed a location check
	// (missing GPS, outside the geofence, or wrong network).
	CategoryLocation Category = "location"
	// CategoryNotAllowed: the caller may not perform this scan.
	CategoryNotAllowed Category = "not_allowed"
	// CategorySessionState: the session is not in a phase that accepts
	// this scan.
	CategorySessionState Category = "session_state"
)

// Classification is what the client surfaces for an endpoint failure.
// CanRetry means a later attempt with a fresh capture may succeed without
// operator intervention.
type Classification struct {
	Category Category
	CanRetry bool
}

var classifications = map[Code]Classification{
	CodeExpiredToken:      {CategoryExpired, false},
	CodeTokenAlreadyUsed:  {CategoryAlreadyUsed, false},
	CodeRateLimited:       {CategoryThrottled, true},
	CodeLocationViolation: {CategoryLocation, true},
	CodeGeofenceViolation: {CategoryLocation, true},
	CodeWifiViolation:     {CategoryLocation, true},
	CodeUnauthorized:      {CategoryNotAllowed, false},
	CodeInvalidState:      {CategorySessionState, false},
	CodeIneligibleStudent: {CategoryNotAllowed, false},
}

// Classify maps a code to its client-facing classification. Unknown codes
// (which a conforming server never sends) classify as not-allowed and
// non-retryable, and ok is false.
func Classify(c Code) (cl Classification, ok bool) {
	cl, ok = classifications[c]
	if !ok {
		return Classification{CategoryNotAllowed, false}, false
	}
	return cl, true
}

// Known reports whether c belongs to the closed code set.
func Known(c Code) bool {
	_, ok := classifications[c]
	return ok
}

// EndpointError is a structured failure body decoded from an endpoint
// response. It is distinct from transport errors: transport errors mean
// the request never got an answer, an EndpointError is the answer.
type EndpointError struct {
	Code    Code
	Message string
}

func (e *EndpointError) Error() string {
	return fmt.Sprintf("endpoint rejected request: %s: %s", e.Code, e.Message)
}
