package lifecycle

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

const maxDays = int(math.MaxInt64 / int64(24*time.Hour))

// Threshold gives uploads of at most MaxSize bytes a retention of Duration.
type Threshold struct {
	MaxSize  int64
	Duration time.Duration
}

func (t Threshold) String() string {
	return fmt.Sprintf("%s:%s", humanize.Bytes(uint64(t.MaxSize)), t.Duration)
}

// ParseThreshold parses "SIZE:DURATION", e.g. "100kb:7d" or "5MiB:90m".
func ParseThreshold(s string) (Threshold, error) {
	size, duration, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return Threshold{}, fmt.Errorf("invalid threshold %q: expected SIZE:DURATION", s)
	}
	maxSize, err := ParseSize(size)
	if err != nil {
		return Threshold{}, fmt.Errorf("invalid threshold size %q: %w", size, err)
	}
	d, err := ParseDuration(duration)
	if err != nil {
		return Threshold{}, fmt.Errorf("invalid threshold duration %q: %w", duration, err)
	}
	if maxSize == 0 || d <= 0 {
		return Threshold{}, fmt.Errorf("invalid threshold %q: size and duration must be positive", s)
	}
	return Threshold{MaxSize: maxSize, Duration: d}, nil
}

// ParseSize parses a humanized byte count such as "512mb" or "1GiB".
func ParseSize(s string) (int64, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, err
	}
	if n > math.MaxInt64 {
		return 0, fmt.Errorf("size %q is too large", s)
	}
	return int64(n), nil
}

// ParseDuration accepts time.ParseDuration syntax plus a whole-day "d" suffix.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, fmt.Errorf("invalid day count %q", s)
		}
		if n > maxDays || n < -maxDays {
			return 0, fmt.Errorf("day count %q is too large", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

// Scheduler maps an upload size to its retention duration.
// The threshold table is fixed at construction.
type Scheduler struct {
	rules []Threshold
}

// NewScheduler validates that rules are strictly increasing in size and
// non-increasing in duration.
func NewScheduler(rules []Threshold) (*Scheduler, error) {
	if len(rules) == 0 {
		return nil, fmt.Errorf("at least one threshold is required")
	}
	for i := 1; i < len(rules); i++ {
		prev, cur := rules[i-1], rules[i]
		if cur.MaxSize <= prev.MaxSize {
			return nil, fmt.Errorf("threshold %s: sizes must be strictly increasing", cur)
		}
		if cur.Duration > prev.Duration {
			return nil, fmt.Errorf("threshold %s: durations must not increase with size", cur)
		}
	}
	return &Scheduler{rules: append([]Threshold(nil), rules...)}, nil
}

// DurationFor returns the duration of the first rule whose MaxSize is at
// least size. Sizes above the largest threshold yield ErrNoMatchingThreshold.
func (s *Scheduler) DurationFor(size int64) (time.Duration, error) {
	for _, rule := range s.rules {
		if size <= rule.MaxSize {
			return rule.Duration, nil
		}
	}
	return 0, ErrNoMatchingThreshold
}

// MaxSize is the largest size any rule accepts.
func (s *Scheduler) MaxSize() int64 {
	return s.rules[len(s.rules)-1].MaxSize
}

// Rules returns a copy of the threshold table.
func (s *Scheduler) Rules() []Threshold {
	return append([]Threshold(nil), s.rules...)
}
