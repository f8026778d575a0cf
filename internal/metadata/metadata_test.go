package metadata

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"batonrelay/internal/clock"
	"batonrelay/internal/wire"
)

var testTraits = Traits{
	Hostname:  "kiosk-07",
	OS:        "linux",
	Arch:      "arm64",
	InstallID: "9b2f6c1e-8d34-4a14-b0d1-52d2f1a7e9c3",
}

func TestFingerprint_StableAndPrefixed(t *testing.T) {
	a := Fingerprint(testTraits)
	b := Fingerprint(testTraits)
	if a != b {
		t.Fatalf("fingerprint not stable: %q vs %q", a, b)
	}
	if !strings.HasPrefix(a, "fp_") {
		t.Errorf("fingerprint = %q, want fp_ prefix", a)
	}
	if len(a) != len("fp_")+32 {
		t.Errorf("fingerprint length = %d, want %d", len(a), len("fp_")+32)
	}

	other := testTraits
	other.InstallID = "different"
	if Fingerprint(other) == a {
		t.Error("distinct traits produced the same fingerprint")
	}
}

func TestCollect_WithoutProvider(t *testing.T) {
	c := NewCollector(zap.NewNop(), testTraits, "batonrelay-kiosk/1.0")
	env := c.Collect(context.Background())

	if env.DeviceFingerprint != c.DeviceFingerprint() {
		t.Errorf("envelope fingerprint = %q, want %q", env.DeviceFingerprint, c.DeviceFingerprint())
	}
	if env.UserAgent != "batonrelay-kiosk/1.0" {
		t.Errorf("user agent = %q, want %q", env.UserAgent, "batonrelay-kiosk/1.0")
	}
	if env.GPS != nil {
		t.Errorf("gps = %+v, want absent", env.GPS)
	}
	if env.Wifi != "" {
		t.Errorf("wifi = %q, want empty without WithWifi", env.Wifi)
	}
}

func TestCollect_WithWifi(t *testing.T) {
	c := NewCollector(zap.NewNop(), testTraits, "ua", WithWifi("lecture-hall-2"))
	env := c.Collect(context.Background())

	if env.Wifi != "lecture-hall-2" {
		t.Errorf("wifi = %q, want %q", env.Wifi, "lecture-hall-2")
	}
}

type stubGPS struct {
	pt  wire.GeoPoint
	err error
}

func (s stubGPS) Location(ctx context.Context) (wire.GeoPoint, error) {
	return s.pt, s.err
}

type blockedGPS struct{}

func (blockedGPS) Location(ctx context.Context) (wire.GeoPoint, error) {
	<-ctx.Done()
	return wire.GeoPoint{}, ctx.Err()
}

func TestCollect_WithFix(t *testing.T) {
	c := NewCollector(zap.NewNop(), testTraits, "ua",
		WithGPS(stubGPS{pt: wire.GeoPoint{Latitude: 52.52, Longitude: 13.405}}))
	env := c.Collect(context.Background())

	if env.GPS == nil {
		t.Fatal("gps absent, want fix")
	}
	if env.GPS.Latitude != 52.52 || env.GPS.Longitude != 13.405 {
		t.Errorf("gps = %+v, want 52.52/13.405", env.GPS)
	}
}

func TestCollect_ProviderError(t *testing.T) {
	c := NewCollector(zap.NewNop(), testTraits, "ua",
		WithGPS(stubGPS{err: errors.New("no hardware")}))
	if env := c.Collect(context.Background()); env.GPS != nil {
		t.Errorf("gps = %+v, want absent on provider error", env.GPS)
	}
}

func TestCollect_ProviderTimeout(t *testing.T) {
	clk := clock.Fake(time.Unix(1767000000, 0))
	c := NewCollector(zap.NewNop(), testTraits, "ua",
		WithGPS(blockedGPS{}), WithClock(clk), WithGPSWait(2*time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan wire.Envelope, 1)
	go func() { done <- c.Collect(ctx) }()

	clk.WaitForTimers(1)
	clk.Advance(2 * time.Second)

	env := <-done
	if env.GPS != nil {
		t.Errorf("gps = %+v, want absent after timeout", env.GPS)
	}
	if env.DeviceFingerprint == "" {
		t.Error("fingerprint missing from timed-out envelope")
	}
}
