package downloads

import (
	"testing"
	"time"
)

func TestSpeedMeterAveragesOverSamples(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	meter := newSpeedMeter(clock)

	// Below the sampling interval nothing is reported.
	if _, ok := meter.add(1024); ok {
		t.Fatal("no report expected before timeDelta has elapsed")
	}

	// 2048 bytes over 100ms: the first sample seeds the average directly.
	now = now.Add(2 * timeDelta)
	speed, ok := meter.add(1024)
	if !ok {
		t.Fatal("expected a report after timeDelta")
	}
	want := 2048.0 / (2 * timeDelta).Seconds()
	if speed != want {
		t.Fatalf("first sample speed = %f, want %f", speed, want)
	}

	// A second sample at a different rate moves the average only slightly.
	now = now.Add(timeDelta)
	second, ok := meter.add(10 * 1024)
	if !ok {
		t.Fatal("expected a report for the second sample")
	}
	instant := (10 * 1024.0) / timeDelta.Seconds()
	wantSecond := smoothingFactor*instant + (1-smoothingFactor)*want
	if second != wantSecond {
		t.Fatalf("second sample speed = %f, want %f", second, wantSecond)
	}
	if second >= instant {
		t.Fatal("the average must lag behind the instantaneous speed")
	}
}

func TestSpeedMeterAccumulatesBetweenReports(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	meter := newSpeedMeter(clock)

	for i := 0; i < 4; i++ {
		if _, ok := meter.add(256); ok {
			t.Fatal("no report expected while time stands still")
		}
	}

	now = now.Add(timeDelta)
	speed, ok := meter.add(0)
	if !ok {
		t.Fatal("expected a report")
	}
	want := 1024.0 / timeDelta.Seconds()
	if speed != want {
		t.Fatalf("speed = %f, want all accumulated bytes counted (%f)", speed, want)
	}
}
