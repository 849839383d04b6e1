package normalizer

import (
	"errors"
	"math"
	"strconv"
	"strings"
	"unicode"

	"loan-sync-worker/internal/pkg/store/models"
	"loan-sync-worker/internal/service/canonicalizer"

	"github.com/tidwall/gjson"
)

var errNotNumeric = errors.New("not numeric")

// reader resolves canonical fields from one payload. The first coercion
// failure is kept in err and later calls become no-ops.
type reader struct {
	kind        models.EntityKind
	root        gjson.Result
	canon       *canonicalizer.Canonicalizer
	strictDates bool
	err         error
}

// lookup returns the first non-null scalar among the explicit producer
// paths and the spellings of the canonical name.
func (r *reader) lookup(field string, aliases []string) (gjson.Result, bool) {
	for _, path := range candidates(field, aliases) {
		res := r.root.Get(path)
		if !res.Exists() || res.Type == gjson.Null {
			continue
		}
		if res.IsObject() {
			continue
		}
		return res, true
	}
	return gjson.Result{}, false
}

func (r *reader) fail(field, reason string) {
	if r.err == nil {
		r.err = &NormalizationError{Kind: r.kind, Field: field, Reason: reason}
	}
}

func (r *reader) String(field, def string, aliases ...string) string {
	res, ok := r.lookup(field, aliases)
	if !ok {
		return def
	}
	if res.IsArray() {
		r.fail(field, "expected a string, got an array")
		return def
	}
	return res.String()
}

func (r *reader) NullableString(field string, aliases ...string) *string {
	res, ok := r.lookup(field, aliases)
	if !ok {
		return nil
	}
	if res.IsArray() {
		r.fail(field, "expected a string, got an array")
		return nil
	}
	s := res.String()
	return &s
}

func (r *reader) Float(field string, aliases ...string) float64 {
	res, ok := r.lookup(field, aliases)
	if !ok {
		return 0
	}
	f, err := toFloat(res)
	if err != nil {
		r.fail(field, "expected a number, got "+describe(res))
		return 0
	}
	return f
}

func (r *reader) Int(field string, aliases ...string) int64 {
	res, ok := r.lookup(field, aliases)
	if !ok {
		return 0
	}
	n, err := toInt(res)
	if err != nil {
		r.fail(field, "expected an integer, got "+describe(res))
		return 0
	}
	return n
}

// Ref resolves an optional reference to another entity's business id.
func (r *reader) Ref(field string, aliases ...string) *int64 {
	res, ok := r.lookup(field, aliases)
	if !ok {
		return nil
	}
	n, err := toInt(res)
	if err != nil {
		r.fail(field, "expected an entity id, got "+describe(res))
		return nil
	}
	return &n
}

func (r *reader) Bool(field string, aliases ...string) bool {
	res, ok := r.lookup(field, aliases)
	if !ok {
		return false
	}
	switch res.Type {
	case gjson.True:
		return true
	case gjson.False:
		return false
	case gjson.Number:
		if res.Num == 0 || res.Num == 1 {
			return res.Num == 1
		}
	case gjson.String:
		if b, err := strconv.ParseBool(strings.TrimSpace(res.Str)); err == nil {
			return b
		}
	}
	r.fail(field, "expected a boolean, got "+describe(res))
	return false
}

// Date canonicalizes a required date; absent values become now.
func (r *reader) Date(field string, aliases ...string) string {
	res, ok := r.lookupDate(field, aliases)
	if !ok {
		return r.canon.Canonicalize(nil)
	}
	value := res.Value()
	if r.strictDates {
		if _, parsed := canonicalizer.Parse(value); !parsed && !canonicalizer.IsAbsent(value) {
			r.fail(field, "unparseable date "+describe(res))
			return ""
		}
	}
	return r.canon.Canonicalize(value)
}

// OptionalDate canonicalizes a nullable date; absent values stay null.
func (r *reader) OptionalDate(field string, aliases ...string) *string {
	res, ok := r.lookupDate(field, aliases)
	if !ok || canonicalizer.IsAbsent(res.Value()) {
		return nil
	}
	s := r.Date(field, aliases...)
	if r.err != nil {
		return nil
	}
	return &s
}

// lookupDate differs from lookup only in accepting arrays, which carry tuple dates.
func (r *reader) lookupDate(field string, aliases []string) (gjson.Result, bool) {
	for _, path := range candidates(field, aliases) {
		res := r.root.Get(path)
		if !res.Exists() || res.Type == gjson.Null || res.IsObject() {
			continue
		}
		return res, true
	}
	return gjson.Result{}, false
}

func toFloat(res gjson.Result) (float64, error) {
	switch res.Type {
	case gjson.Number:
		return res.Num, nil
	case gjson.String:
		f, err := strconv.ParseFloat(strings.TrimSpace(res.Str), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, errNotNumeric
		}
		return f, nil
	}
	return 0, errNotNumeric
}

// toInt truncates fractional numbers toward zero.
func toInt(res gjson.Result) (int64, error) {
	if res.Type == gjson.Number {
		if i, err := strconv.ParseInt(res.Raw, 10, 64); err == nil {
			return i, nil
		}
	}
	f, err := toFloat(res)
	if err != nil {
		return 0, err
	}
	if f > math.MaxInt64 || f < math.MinInt64 {
		return 0, errNotNumeric
	}
	return int64(f), nil
}

// toWholeInt is toInt without truncation: 7 and 7.0 pass, 7.5 does not.
func toWholeInt(res gjson.Result) (int64, error) {
	f, err := toFloat(res)
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) {
		return 0, errNotNumeric
	}
	return toInt(res)
}

func describe(res gjson.Result) string {
	raw := res.Raw
	if len(raw) > 40 {
		raw = raw[:40] + "..."
	}
	return raw
}

func candidates(field string, aliases []string) []string {
	out := make([]string, 0, len(aliases)+3)
	out = append(out, aliases...)
	for _, v := range variants(field) {
		if !contains(out, v) {
			out = append(out, v)
		}
	}
	return out
}

// variants returns the snake_case, camelCase and PascalCase spellings of a snake_case name.
func variants(snake string) []string {
	parts := strings.Split(snake, "_")
	var camel strings.Builder
	camel.WriteString(parts[0])
	for _, p := range parts[1:] {
		camel.WriteString(capitalize(p))
	}
	pascal := capitalize(camel.String())

	out := []string{snake}
	for _, v := range []string{camel.String(), pascal, strings.ToUpper(snake)} {
		if !contains(out, v) {
			out = append(out, v)
		}
	}
	return out
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	runes := []rune(s)
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
