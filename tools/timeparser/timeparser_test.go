package timeparser_test

import (
	"testing"
	"time"

	"github.com/septivank/ev-station-sync/tools/timeparser"
)

const nowMs = 1700000600000

func newResolver() *timeparser.Resolver {
	return timeparser.NewResolver(
		func() time.Time { return time.UnixMilli(nowMs) },
		time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		10080,
		time.UTC,
	)
}

func ptr(v float64) *float64 {
	return &v
}

func TestClassify_Samples(t *testing.T) {
	cases := map[float64]timeparser.Kind{
		1700000000000: timeparser.EpochMillis,
		1700000000:    timeparser.EpochSeconds,
		123456:        timeparser.DeviceUptime,
		0:             timeparser.DeviceUptime,
	}
	for raw, want := range cases {
		if got := timeparser.Classify(raw); got != want {
			t.Errorf("Classify(%v): expected %s, got %s", raw, want, got)
		}
	}
}

func TestToEpochMillis_ConvertsSeconds(t *testing.T) {
	ms, ok := timeparser.ToEpochMillis(1700000000)
	if !ok || ms != 1700000000000 {
		t.Errorf("Expected 1700000000000, got %d (ok=%v)", ms, ok)
	}

	if _, ok := timeparser.ToEpochMillis(5000); ok {
		t.Error("Expected uptime to have no epoch value")
	}
}

func TestResolver_DowngradesImplausibleEpoch(t *testing.T) {
	r := newResolver()

	// 2001-09-09 is before the minimum epoch
	if got := r.Classify(1000000001); got != timeparser.DeviceUptime {
		t.Errorf("Expected pre-2020 value to be uptime, got %s", got)
	}
	// a year ahead of the clock
	if got := r.Classify(nowMs + 365*24*3600*1000); got != timeparser.DeviceUptime {
		t.Errorf("Expected far-future value to be uptime, got %s", got)
	}
	if got := r.Classify(nowMs + 60*1000); got != timeparser.EpochMillis {
		t.Errorf("Expected slightly-future value to stay epoch, got %s", got)
	}
}

func TestResolver_UptimeDuration(t *testing.T) {
	r := newResolver()

	d, ok := r.Duration(ptr(1000), ptr(5000))

	if !ok || d != 4000*time.Millisecond {
		t.Errorf("Expected 4000ms, got %v (ok=%v)", d, ok)
	}
}

func TestResolver_OpenUptimeSessionUnavailable(t *testing.T) {
	r := newResolver()

	if _, ok := r.Duration(ptr(1000), nil); ok {
		t.Error("Expected open uptime session to have no duration")
	}
	if _, ok := r.Duration(ptr(1000), ptr(0)); ok {
		t.Error("Expected zero stop to count as open")
	}
}

func TestResolver_OpenEpochSessionUsesNow(t *testing.T) {
	r := newResolver()

	d, ok := r.Duration(ptr(nowMs-600000), nil)

	if !ok || d != 10*time.Minute {
		t.Errorf("Expected 10m, got %v (ok=%v)", d, ok)
	}
}

func TestResolver_MixedUnitsSecondsAndMillis(t *testing.T) {
	r := newResolver()

	d, ok := r.Duration(ptr(1700000000), ptr(1700000060000))

	if !ok || d != time.Minute {
		t.Errorf("Expected 1m across seconds and millis, got %v (ok=%v)", d, ok)
	}
}

func TestResolver_UptimeAndEpochMixUnavailable(t *testing.T) {
	r := newResolver()

	if _, ok := r.Duration(ptr(1000), ptr(1700000000000)); ok {
		t.Error("Expected uptime start with epoch stop to be unavailable")
	}
}

func TestResolver_NegativeDurationClamped(t *testing.T) {
	r := newResolver()

	d, ok := r.Duration(ptr(5000), ptr(1000))

	if !ok || d != 0 {
		t.Errorf("Expected 0, got %v (ok=%v)", d, ok)
	}
}

func TestResolver_Formatting(t *testing.T) {
	r := newResolver()

	if got := r.FormatClock(ptr(1700000000000)); got != "22:13:20" {
		t.Errorf("Expected 22:13:20, got %s", got)
	}
	if got := r.FormatDate(ptr(1700000000)); got != "14/11/2023" {
		t.Errorf("Expected 14/11/2023, got %s", got)
	}
	if got := r.FormatClock(ptr(1000)); got != timeparser.Unavailable {
		t.Errorf("Expected unavailable for uptime, got %s", got)
	}
	if got := r.FormatDate(nil); got != timeparser.Unavailable {
		t.Errorf("Expected unavailable for nil, got %s", got)
	}
}

func TestFormatDuration(t *testing.T) {
	if got := timeparser.FormatDuration(3*time.Hour+4*time.Minute+5*time.Second, true); got != "03:04:05" {
		t.Errorf("Expected 03:04:05, got %s", got)
	}
	if got := timeparser.FormatDuration(0, false); got != timeparser.Unavailable {
		t.Errorf("Expected unavailable, got %s", got)
	}
}

func TestIsWithinTolerance(t *testing.T) {
	ref := time.Date(2025, 12, 29, 10, 30, 0, 0, time.UTC)

	if !timeparser.IsWithinTolerance(ref.Add(-4*time.Minute), ref, 5*time.Minute) {
		t.Error("Expected 4 minutes to be within a 5 minute tolerance")
	}
	if timeparser.IsWithinTolerance(ref.Add(6*time.Minute), ref, 5*time.Minute) {
		t.Error("Expected 6 minutes to exceed a 5 minute tolerance")
	}
}
