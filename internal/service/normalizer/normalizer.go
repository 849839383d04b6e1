package normalizer

import (
	"encoding/json"
	"errors"
	"fmt"

	"loan-sync-worker/internal/pkg/consts"
	"loan-sync-worker/internal/pkg/store/models"
	"loan-sync-worker/internal/service/canonicalizer"

	"github.com/tidwall/gjson"
)

var (
	ErrUnknownKind      = errors.New("unknown entity kind")
	ErrMalformedPayload = errors.New("payload is not a JSON object")
	ErrMissingID        = errors.New("payload has no business id")
)

// NormalizationError reports a field that could not be coerced to its canonical type.
type NormalizationError struct {
	Kind   models.EntityKind
	Field  string
	Reason string
}

func (e *NormalizationError) Error() string {
	return fmt.Sprintf("normalize %s.%s: %s", e.Kind, e.Field, e.Reason)
}

// PassthroughHook observes payloads stored unchanged because their kind has no schema.
type PassthroughHook func(kind models.EntityKind)

// Normalizer maps producer payloads onto the canonical field set of each entity kind.
type Normalizer struct {
	canon              *canonicalizer.Canonicalizer
	strictDates        bool
	passthroughUnknown bool
	onPassthrough      PassthroughHook
}

type Option func(*Normalizer)

// WithStrictDates rejects present but unparseable dates instead of replacing them.
func WithStrictDates(strict bool) Option {
	return func(n *Normalizer) { n.strictDates = strict }
}

// WithPassthrough controls whether kinds without a schema are stored unchanged.
func WithPassthrough(enabled bool, hook PassthroughHook) Option {
	return func(n *Normalizer) {
		n.passthroughUnknown = enabled
		n.onPassthrough = hook
	}
}

func New(canon *canonicalizer.Canonicalizer, opts ...Option) *Normalizer {
	n := &Normalizer{canon: canon, passthroughUnknown: true}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Normalize turns one raw JSON record of the given kind into a canonical document.
func (n *Normalizer) Normalize(kind models.EntityKind, raw []byte) (models.Document, error) {
	if !gjson.ValidBytes(raw) {
		return nil, ErrMalformedPayload
	}
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return nil, ErrMalformedPayload
	}

	id, ok := resolveID(root)
	if !ok {
		return nil, ErrMissingID
	}

	build, known := registry[kind]
	if !known {
		if !n.passthroughUnknown {
			return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
		}
		if n.onPassthrough != nil {
			n.onPassthrough(kind)
		}
		fields, _ := root.Value().(map[string]interface{})
		return &models.RawDocument{EntityKind: kind, ID: id, Fields: fields}, nil
	}

	r := &reader{kind: kind, root: root, canon: n.canon, strictDates: n.strictDates}
	doc := build(r, id)
	if r.err != nil {
		return nil, r.err
	}
	return doc, nil
}

// NormalizeRecord normalizes a record already decoded into Go values.
func (n *Normalizer) NormalizeRecord(kind models.EntityKind, record map[string]interface{}) (models.Document, error) {
	raw, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return n.Normalize(kind, raw)
}

// ResolveID extracts the business id from a raw payload.
func ResolveID(raw []byte) (int64, bool) {
	if !gjson.ValidBytes(raw) {
		return 0, false
	}
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return 0, false
	}
	return resolveID(root)
}

func resolveID(root gjson.Result) (int64, bool) {
	for _, path := range variants(consts.BusinessIDField) {
		res := root.Get(path)
		if !res.Exists() || res.Type == gjson.Null {
			continue
		}
		id, err := toWholeInt(res)
		if err != nil || id <= 0 {
			return 0, false
		}
		return id, true
	}
	return 0, false
}

// Accepts reports whether payloads of kind are stored, either through a
// schema or unchanged as a passthrough.
func (n *Normalizer) Accepts(kind models.EntityKind) bool {
	_, known := registry[kind]
	return known || n.passthroughUnknown
}

// Kinds lists the entity kinds with a registered schema.
func Kinds() []models.EntityKind {
	out := make([]models.EntityKind, 0, len(registry))
	for _, k := range models.AllKinds {
		if _, ok := registry[k]; ok {
			out = append(out, k)
		}
	}
	return out
}
