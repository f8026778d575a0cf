// Package engine evaluates scans against a session's anti-cheat policy
// using OPA Rego. The built-in rules cover GPS presence, geofence
// distance, and wifi allowlists; sessions may append custom Rego that
// contributes further violations to the same set.
package engine

import (
	"context"

	sessiondomain "batonrelay/internal/session/domain"
)

// Scan is the evaluator's view of one verification attempt: the
// envelope the device sent, normalized. Latitude and Longitude are
// meaningful only when HasGPS is true.
type Scan struct {
	Kind        string
	Fingerprint string
	UserAgent   string
	Wifi        string
	HasGPS      bool
	Latitude    float64
	Longitude   float64
}

// Evaluator checks one scan against the session's policy. The returned
// violations are verification error codes from the closed wire set,
// sorted and deduplicated; an empty slice means the scan passes.
//
// Evaluation is fail-open: internal engine errors are logged and come
// back as no violations, never as a rejected scan.
type Evaluator interface {
	Evaluate(ctx context.Context, sess *sessiondomain.Session, scan Scan) ([]string, error)
}
