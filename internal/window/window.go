// Package window slices wall-clock time into alternating hourly windows.
// Odd local hours are contribution windows, even local hours are aggregation
// windows, so collecting and publishing never overlap.
package window

import "time"

// HourSeconds is the length of one window.
const HourSeconds int64 = 3600

// Window identifies which kind of window a timestamp falls into.
type Window int

const (
	// Aggregation windows accept aggregation requests.
	Aggregation Window = iota
	// Contribution windows accept new periods and submissions.
	Contribution
)

func (w Window) String() string {
	if w == Contribution {
		return "contribution"
	}
	return "aggregation"
}

// AdjustedHour returns floor((now+tzOffset)/3600) mod 24. Negative shifted
// times are folded back into [0, 24).
func AdjustedHour(now, tzOffset int64) int {
	shifted := now + tzOffset
	h := floorDiv(shifted, HourSeconds) % 24
	if h < 0 {
		h += 24
	}
	return int(h)
}

// Classify returns the window active at unix time now.
func Classify(now, tzOffset int64) Window {
	if AdjustedHour(now, tzOffset)%2 == 1 {
		return Contribution
	}
	return Aggregation
}

// IsContribution reports whether now is inside a contribution window.
func IsContribution(now, tzOffset int64) bool {
	return Classify(now, tzOffset) == Contribution
}

// IsAggregation reports whether now is inside an aggregation window.
func IsAggregation(now, tzOffset int64) bool {
	return Classify(now, tzOffset) == Aggregation
}

// NextBoundary returns the unix time at which the window active at now ends.
func NextBoundary(now, tzOffset int64) int64 {
	shifted := now + tzOffset
	next := (floorDiv(shifted, HourSeconds) + 1) * HourSeconds
	return next - tzOffset
}

// NextStart returns the unix time at which the next window of kind w begins,
// strictly after now.
func NextStart(now, tzOffset int64, w Window) int64 {
	b := NextBoundary(now, tzOffset)
	if Classify(b, tzOffset) == w {
		return b
	}
	return b + HourSeconds
}

// Scheduler binds a timezone offset so callers can classify time.Time values.
type Scheduler struct {
	offset int64
}

// NewScheduler returns a Scheduler using the given offset from UTC.
func NewScheduler(offset time.Duration) *Scheduler {
	return &Scheduler{offset: int64(offset / time.Second)}
}

// Offset returns the configured offset in seconds.
func (s *Scheduler) Offset() int64 {
	return s.offset
}

// At returns the window active at t.
func (s *Scheduler) At(t time.Time) Window {
	return Classify(t.Unix(), s.offset)
}

// Until returns how long until the window active at t ends.
func (s *Scheduler) Until(t time.Time) time.Duration {
	return time.Duration(NextBoundary(t.Unix(), s.offset)-t.Unix()) * time.Second
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
