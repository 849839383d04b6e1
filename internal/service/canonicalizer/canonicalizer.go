package canonicalizer

import (
	"math"
	"strings"
	"time"

	"loan-sync-worker/internal/pkg/consts"
)

// Fallback reasons reported to the hook.
const (
	ReasonAbsent      = "absent"
	ReasonUnparseable = "unparseable"
)

// FallbackHook observes every value replaced by the current instant.
type FallbackHook func(reason string, value interface{})

// Layouts tried, in order, once a space separator has been rewritten to T.
var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999Z0700",
	"2006-01-02T15:04:05.999999999Z07",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04Z07",
	"2006-01-02T15:04",
	"2006-01-02",
}

// Canonicalizer turns the date shapes producers send into the stored
// YYYY-MM-DDTHH:MM:SS UTC form.
type Canonicalizer struct {
	now        func() time.Time
	onFallback FallbackHook
}

type Option func(*Canonicalizer)

func WithClock(now func() time.Time) Option {
	return func(c *Canonicalizer) { c.now = now }
}

func WithFallbackHook(hook FallbackHook) Option {
	return func(c *Canonicalizer) { c.onFallback = hook }
}

func New(opts ...Option) *Canonicalizer {
	c := &Canonicalizer{now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Format renders t in the canonical stored form.
func Format(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(consts.CanonicalDateTime)
}

// Canonicalize never fails: absent or unparseable input becomes the current UTC instant.
func (c *Canonicalizer) Canonicalize(value interface{}) string {
	if IsAbsent(value) {
		c.fallback(ReasonAbsent, value)
		return Format(c.now())
	}
	t, ok := Parse(value)
	if !ok {
		c.fallback(ReasonUnparseable, value)
		return Format(c.now())
	}
	return Format(t)
}

// Optional returns nil for absent input and canonicalizes everything else.
func (c *Canonicalizer) Optional(value interface{}) *string {
	if IsAbsent(value) {
		return nil
	}
	s := c.Canonicalize(value)
	return &s
}

func (c *Canonicalizer) fallback(reason string, value interface{}) {
	if c.onFallback != nil {
		c.onFallback(reason, value)
	}
}

// IsAbsent reports whether value carries no date at all.
func IsAbsent(value interface{}) bool {
	switch v := value.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(v) == ""
	case *string:
		return v == nil || strings.TrimSpace(*v) == ""
	case *time.Time:
		return v == nil
	}
	return false
}

// Parse converts a supported shape to a UTC instant. Naive values are taken as UTC.
func Parse(value interface{}) (time.Time, bool) {
	switch v := value.(type) {
	case time.Time:
		return v.UTC(), true
	case *time.Time:
		if v == nil {
			return time.Time{}, false
		}
		return v.UTC(), true
	case string:
		return parseString(v)
	case *string:
		if v == nil {
			return time.Time{}, false
		}
		return parseString(*v)
	case []int:
		parts := make([]float64, len(v))
		for i, n := range v {
			parts[i] = float64(n)
		}
		return parseParts(parts)
	case []int64:
		parts := make([]float64, len(v))
		for i, n := range v {
			parts[i] = float64(n)
		}
		return parseParts(parts)
	case []float64:
		return parseParts(v)
	case []interface{}:
		parts := make([]float64, 0, len(v))
		for _, item := range v {
			n, ok := toFloat(item)
			if !ok {
				return time.Time{}, false
			}
			parts = append(parts, n)
		}
		return parseParts(parts)
	}
	return time.Time{}, false
}

func parseString(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if !strings.Contains(s, "T") {
		s = strings.Replace(s, " ", "T", 1)
	}
	for _, layout := range isoLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// parseParts reads (year, month, day, hour, minute, second[, microsecond]).
func parseParts(parts []float64) (time.Time, bool) {
	if len(parts) < 6 {
		return time.Time{}, false
	}
	n := make([]int, 7)
	for i := 0; i < len(parts) && i < 7; i++ {
		if parts[i] != math.Trunc(parts[i]) || math.IsInf(parts[i], 0) {
			return time.Time{}, false
		}
		n[i] = int(parts[i])
	}
	year, month, day, hour, minute, second, micro := n[0], n[1], n[2], n[3], n[4], n[5], n[6]
	if year < 1 || year > 9999 || month < 1 || month > 12 || day < 1 ||
		hour < 0 || hour > 23 || minute < 0 || minute > 59 || second < 0 || second > 59 ||
		micro < 0 || micro > 999999 {
		return time.Time{}, false
	}
	t := time.Date(year, time.Month(month), day, hour, minute, second, micro*int(time.Microsecond), time.UTC)
	// time.Date normalises overflow such as Feb 30; reject it instead.
	if t.Day() != day || int(t.Month()) != month {
		return time.Time{}, false
	}
	return t, true
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
