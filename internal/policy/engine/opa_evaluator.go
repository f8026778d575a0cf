package engine

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"go.uber.org/zap"

	sessiondomain "batonrelay/internal/session/domain"
	"batonrelay/internal/wire"
)

const violationsQuery = "data.batonrelay.anticheat.violations"

// Built-in anti-cheat rules. A geofence implies a GPS requirement, so a
// missing fix under a geofence is a location violation rather than a
// geofence one: the device cannot be placed at all.
//
// Rego has no trigonometry builtins, so the great-circle distance is
// computed in Go and handed in as input.scan.distance_m.
const defaultRegoPolicy = `package batonrelay.anticheat

violations contains "LOCATION_VIOLATION" if {
	input.policy.gps_required
	not input.scan.has_gps
}

violations contains "LOCATION_VIOLATION" if {
	input.policy.has_geofence
	not input.scan.has_gps
}

violations contains "GEOFENCE_VIOLATION" if {
	input.policy.has_geofence
	input.scan.has_gps
	input.scan.distance_m > input.policy.geofence_radius_m
}

violations contains "WIFI_VIOLATION" if {
	count(input.policy.wifi_allowlist) > 0
	not wifi_allowed
}

wifi_allowed if {
	some ssid in input.policy.wifi_allowlist
	ssid == input.scan.wifi
}
`

// OPAEvaluator evaluates anti-cheat policy with the in-process OPA Rego
// engine. Sessions with a trivial policy skip the engine entirely.
type OPAEvaluator struct {
	log *zap.Logger
}

// NewOPAEvaluator returns an OPA-based anti-cheat evaluator.
func NewOPAEvaluator(log *zap.Logger) *OPAEvaluator {
	return &OPAEvaluator{log: log}
}

// HealthCheck verifies that the in-process Rego engine can compile and
// evaluate the built-in rules. Returns nil on success.
func (e *OPAEvaluator) HealthCheck(ctx context.Context) error {
	compiler, err := ast.CompileModules(map[string]string{"policy_0.rego": defaultRegoPolicy})
	if err != nil {
		return fmt.Errorf("compile built-in rules: %w", err)
	}
	q := rego.New(
		rego.Query(violationsQuery),
		rego.Compiler(compiler),
		rego.Input(buildInput(sessiondomain.Policy{}, Scan{})),
	)
	rs, err := q.Eval(ctx)
	if err != nil {
		return fmt.Errorf("eval built-in rules: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return fmt.Errorf("violations query returned no result")
	}
	return nil
}

// ValidateModule compiles src alongside the built-in rules. Use it to
// reject a broken custom policy at update time instead of silently
// falling back on every scan.
func ValidateModule(src string) error {
	if src == "" {
		return nil
	}
	_, err := ast.CompileModules(map[string]string{
		"policy_0.rego": defaultRegoPolicy,
		"policy_1.rego": src,
	})
	if err != nil {
		return fmt.Errorf("compile custom rules: %w", err)
	}
	return nil
}

// Evaluate runs the session's policy over one scan. Violations outside
// the closed wire code set are logged and dropped so the endpoint never
// answers with an unknown code. Engine failures are logged and the scan
// passes; a broken custom module falls back to the built-in rules
// rather than disabling them.
func (e *OPAEvaluator) Evaluate(ctx context.Context, sess *sessiondomain.Session, scan Scan) ([]string, error) {
	if sess == nil {
		return nil, nil
	}
	pol := sess.Policy
	if !pol.GPSRequired && pol.Geofence == nil && len(pol.WifiAllowlist) == 0 && sess.PolicyRego == "" {
		return nil, nil
	}

	input := buildInput(pol, scan)

	modules := map[string]string{"policy_0.rego": defaultRegoPolicy}
	if sess.PolicyRego != "" {
		modules["policy_1.rego"] = sess.PolicyRego
	}

	raw, err := e.queryViolations(ctx, modules, input)
	if err != nil && sess.PolicyRego != "" {
		e.log.Warn("custom policy module failed, falling back to built-in rules",
			zap.String("session_id", sess.ID),
			zap.Error(err))
		raw, err = e.queryViolations(ctx, map[string]string{"policy_0.rego": defaultRegoPolicy}, input)
	}
	if err != nil {
		e.log.Warn("policy evaluation failed, scan passes unchecked",
			zap.String("session_id", sess.ID),
			zap.Error(err))
		return nil, nil
	}

	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if !wire.Known(wire.Code(v)) {
			e.log.Warn("policy produced a violation outside the code set, dropped",
				zap.String("session_id", sess.ID),
				zap.String("violation", v))
			continue
		}
		out = append(out, v)
	}
	sort.Strings(out)
	return out, nil
}

func (e *OPAEvaluator) queryViolations(ctx context.Context, modules map[string]string, input map[string]interface{}) ([]string, error) {
	compiler, err := ast.CompileModules(modules)
	if err != nil {
		return nil, fmt.Errorf("compile policy: %w", err)
	}
	q := rego.New(
		rego.Query(violationsQuery),
		rego.Compiler(compiler),
		rego.Input(input),
	)
	rs, err := q.Eval(ctx)
	if err != nil {
		return nil, fmt.Errorf("eval policy: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return nil, nil
	}
	items, ok := rs[0].Expressions[0].Value.([]interface{})
	if !ok {
		return nil, fmt.Errorf("violations query returned %T, want set", rs[0].Expressions[0].Value)
	}
	var out []string
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out, nil
}

func buildInput(pol sessiondomain.Policy, scan Scan) map[string]interface{} {
	allowlist := make([]interface{}, 0, len(pol.WifiAllowlist))
	for _, ssid := range pol.WifiAllowlist {
		allowlist = append(allowlist, ssid)
	}

	policyMap := map[string]interface{}{
		"gps_required":      pol.GPSRequired,
		"has_geofence":      pol.Geofence != nil,
		"geofence_radius_m": 0.0,
		"wifi_allowlist":    allowlist,
	}

	scanMap := map[string]interface{}{
		"kind":        scan.Kind,
		"fingerprint": scan.Fingerprint,
		"user_agent":  scan.UserAgent,
		"wifi":        scan.Wifi,
		"has_gps":     scan.HasGPS,
		"latitude":    scan.Latitude,
		"longitude":   scan.Longitude,
		"distance_m":  0.0,
	}

	if pol.Geofence != nil {
		policyMap["geofence_radius_m"] = pol.Geofence.RadiusMeters
		if scan.HasGPS {
			scanMap["distance_m"] = haversineMeters(
				scan.Latitude, scan.Longitude,
				pol.Geofence.Latitude, pol.Geofence.Longitude,
			)
		}
	}

	return map[string]interface{}{
		"policy": policyMap,
		"scan":   scanMap,
	}
}

// haversineMeters returns the great-circle distance between two WGS84
// points in meters.
func haversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadiusM = 6371000.0
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusM * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}
