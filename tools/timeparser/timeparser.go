package timeparser

import (
	"fmt"
	"time"
)

// Kind is the inferred unit of a raw numeric timestamp
type Kind int

const (
	DeviceUptime Kind = iota
	EpochSeconds
	EpochMillis
)

func (k Kind) String() string {
	switch k {
	case EpochMillis:
		return "epoch_ms"
	case EpochSeconds:
		return "epoch_s"
	default:
		return "device_uptime"
	}
}

// WallClock reports whether values of this kind map to an instant
func (k Kind) WallClock() bool {
	return k != DeviceUptime
}

// Magnitude thresholds separating the units. They are a heuristic: an uptime
// counter above 1e9 ms (about 11.5 days) is indistinguishable from epoch
// seconds by magnitude alone, see Resolver for the plausibility bound.
const (
	epochMillisThreshold  = 1_000_000_000_000
	epochSecondsThreshold = 1_000_000_000
)

// Unavailable is shown instead of a date or duration that cannot be resolved
const Unavailable = "unavailable"

// Classify infers the unit of raw from its magnitude
func Classify(raw float64) Kind {
	switch {
	case raw > epochMillisThreshold:
		return EpochMillis
	case raw > epochSecondsThreshold:
		return EpochSeconds
	default:
		return DeviceUptime
	}
}

// ToEpochMillis converts raw to epoch milliseconds. It returns false for
// device uptime counters, which have no wall-clock meaning.
func ToEpochMillis(raw float64) (int64, bool) {
	switch Classify(raw) {
	case EpochMillis:
		return int64(raw), true
	case EpochSeconds:
		return int64(raw * 1000), true
	default:
		return 0, false
	}
}

// Resolver classifies raw timestamps against a clock. Epoch-looking values
// that fall before minEpoch or further than tolerance into the future are
// downgraded to DeviceUptime.
type Resolver struct {
	now       func() time.Time
	minEpoch  time.Time
	tolerance time.Duration
	location  *time.Location
}

// NewResolver creates a resolver; a zero minEpoch or tolerance disables the
// corresponding bound.
func NewResolver(now func() time.Time, minEpoch time.Time, toleranceMinutes int, location *time.Location) *Resolver {
	if now == nil {
		now = time.Now
	}
	if location == nil {
		location = time.UTC
	}
	return &Resolver{
		now:       now,
		minEpoch:  minEpoch,
		tolerance: time.Duration(toleranceMinutes) * time.Minute,
		location:  location,
	}
}

// Now returns the resolver clock in epoch milliseconds
func (r *Resolver) Now() int64 {
	return r.now().UnixMilli()
}

// Classify applies the magnitude thresholds and the plausibility bounds
func (r *Resolver) Classify(raw float64) Kind {
	kind := Classify(raw)
	if !kind.WallClock() {
		return kind
	}
	ms, _ := ToEpochMillis(raw)
	at := time.UnixMilli(ms)
	if !r.minEpoch.IsZero() && at.Before(r.minEpoch) {
		return DeviceUptime
	}
	if now := r.now(); r.tolerance > 0 && at.After(now) && !IsWithinTolerance(at, now, r.tolerance) {
		return DeviceUptime
	}
	return kind
}

// ToEpochMillis resolves raw to epoch milliseconds under the plausibility bounds
func (r *Resolver) ToEpochMillis(raw *float64) (int64, bool) {
	if raw == nil || *raw <= 0 {
		return 0, false
	}
	switch r.Classify(*raw) {
	case EpochMillis:
		return int64(*raw), true
	case EpochSeconds:
		return int64(*raw * 1000), true
	default:
		return 0, false
	}
}

// Duration computes the elapsed time between start and stop. A nil or
// non-positive stop means the session is still open and "now" is used, which
// is only possible when start is wall-clock. Two uptime values are compared
// directly since they share one counter. Mixed units are unavailable.
func (r *Resolver) Duration(start, stop *float64) (time.Duration, bool) {
	if start == nil || *start <= 0 {
		return 0, false
	}
	startKind := r.Classify(*start)

	if stop == nil || *stop <= 0 {
		if !startKind.WallClock() {
			return 0, false
		}
		startMs, _ := r.ToEpochMillis(start)
		return clampMillis(r.Now() - startMs), true
	}

	stopKind := r.Classify(*stop)
	switch {
	case !startKind.WallClock() && !stopKind.WallClock():
		return clampMillis(int64(*stop - *start)), true
	case startKind.WallClock() && stopKind.WallClock():
		startMs, _ := r.ToEpochMillis(start)
		stopMs, _ := r.ToEpochMillis(stop)
		return clampMillis(stopMs - startMs), true
	default:
		return 0, false
	}
}

// FormatClock renders raw as a local time of day, or Unavailable
func (r *Resolver) FormatClock(raw *float64) string {
	ms, ok := r.ToEpochMillis(raw)
	if !ok {
		return Unavailable
	}
	return time.UnixMilli(ms).In(r.location).Format("15:04:05")
}

// FormatDate renders raw as a local day/month/year date, or Unavailable
func (r *Resolver) FormatDate(raw *float64) string {
	ms, ok := r.ToEpochMillis(raw)
	if !ok {
		return Unavailable
	}
	return time.UnixMilli(ms).In(r.location).Format("02/01/2006")
}

// FormatDuration renders d as HH:MM:SS, or Unavailable when ok is false
func FormatDuration(d time.Duration, ok bool) string {
	if !ok || d < 0 {
		return Unavailable
	}
	total := int64(d / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", total/3600, (total%3600)/60, total%60)
}

// IsWithinTolerance checks if the reading time is within tolerance of the reference time
func IsWithinTolerance(readingTime, referenceTime time.Time, tolerance time.Duration) bool {
	diff := readingTime.Sub(referenceTime)
	if diff < 0 {
		diff = -diff
	}
	return diff <= tolerance
}

func clampMillis(ms int64) time.Duration {
	if ms < 0 {
		ms = 0
	}
	return time.Duration(ms) * time.Millisecond
}
