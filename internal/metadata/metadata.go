// Package metadata builds the anti-cheat envelope attached to every
// verification request: a stable device fingerprint, the reported user
// agent, and a best-effort GPS fix.
package metadata

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"go.uber.org/zap"

	"batonrelay/internal/clock"
	"batonrelay/internal/wire"
)

// DefaultGPSWait bounds how long Collect blocks waiting for a location
// fix before sending the envelope without one.
const DefaultGPSWait = 3 * time.Second

// GPSProvider yields the device's current location. Implementations may
// block; Collect bounds the wait.
type GPSProvider interface {
	Location(ctx context.Context) (wire.GeoPoint, error)
}

// Traits are the stable device characteristics folded into the
// fingerprint. Identical traits must yield identical fingerprints so
// the server can correlate scans from one device across sessions.
type Traits struct {
	Hostname  string
	OS        string
	Arch      string
	InstallID string
}

// Fingerprint derives the device identifier from traits. The value is
// prefixed with "fp_" followed by the first 32 hex characters of a
// SHA-256 over the canonical trait string.
func Fingerprint(tr Traits) string {
	canonical := strings.Join([]string{tr.Hostname, tr.OS, tr.Arch, tr.InstallID}, "|")
	sum := sha256.Sum256([]byte(canonical))
	return "fp_" + hex.EncodeToString(sum[:])[:32]
}

// Collector assembles envelopes. The fingerprint is computed once at
// construction; only the GPS fix varies between calls.
type Collector struct {
	log       *zap.Logger
	clk       clock.Clock
	gps       GPSProvider
	gpsWait   time.Duration
	userAgent string
	wifi      string
	fp        string
}

// Option customizes a Collector.
type Option func(*Collector)

// WithGPS attaches a location provider. Without one every envelope is
// sent with no GPS field.
func WithGPS(p GPSProvider) Option {
	return func(c *Collector) { c.gps = p }
}

// WithGPSWait overrides the location fix timeout.
func WithGPSWait(d time.Duration) Option {
	return func(c *Collector) { c.gpsWait = d }
}

// WithClock overrides the timeout clock.
func WithClock(clk clock.Clock) Option {
	return func(c *Collector) { c.clk = clk }
}

// WithWifi records the connected SSID in every envelope. Devices that
// cannot read their SSID simply omit this.
func WithWifi(ssid string) Option {
	return func(c *Collector) { c.wifi = ssid }
}

func NewCollector(log *zap.Logger, tr Traits, userAgent string, opts ...Option) *Collector {
	c := &Collector{
		log:       log,
		clk:       clock.Real(),
		gpsWait:   DefaultGPSWait,
		userAgent: userAgent,
		fp:        Fingerprint(tr),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// DeviceFingerprint returns the stable fingerprint for this device.
func (c *Collector) DeviceFingerprint() string { return c.fp }

// Collect builds the envelope for one request. The GPS field is present
// only when the provider returns a fix within the configured wait; a
// slow or failing provider never blocks the scan path beyond that.
func (c *Collector) Collect(ctx context.Context) wire.Envelope {
	env := wire.Envelope{
		DeviceFingerprint: c.fp,
		UserAgent:         c.userAgent,
		Wifi:              c.wifi,
	}
	if c.gps == nil {
		return env
	}

	type fix struct {
		pt  wire.GeoPoint
		err error
	}
	ch := make(chan fix, 1)
	go func() {
		pt, err := c.gps.Location(ctx)
		ch <- fix{pt, err}
	}()

	select {
	case f := <-ch:
		if f.err != nil {
			c.log.Debug("gps fix unavailable", zap.Error(f.err))
			return env
		}
		env.GPS = &wire.GeoPoint{Latitude: f.pt.Latitude, Longitude: f.pt.Longitude}
	case <-c.clk.After(c.gpsWait):
		c.log.Debug("gps fix timed out", zap.Duration("wait", c.gpsWait))
	case <-ctx.Done():
	}
	return env
}
