package mapping

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Static errors for mapping construction
var (
	ErrEmptyColumn     = errors.New("column name is empty")
	ErrDuplicateTarget = errors.New("target column is mapped more than once")
	ErrDuplicateSource = errors.New("source column is already mapped to another target")
	ErrNotAnObject     = errors.New("mapping must be a JSON object")
)

// Pair associates a target column with the source column feeding it.
type Pair struct {
	Target string
	Source string
}

// FieldMapping is an ordered target -> source column association.
// Each target appears once and each source feeds at most one target.
// The zero value is an empty mapping ready to use.
type FieldMapping struct {
	pairs   []Pair
	targets map[string]struct{}
	sources map[string]string
}

// New builds a mapping from pairs, in order.
func New(pairs ...Pair) (FieldMapping, error) {
	var m FieldMapping
	for _, p := range pairs {
		if err := m.Add(p.Target, p.Source); err != nil {
			return FieldMapping{}, err
		}
	}
	return m, nil
}

// Add appends target -> source, rejecting names already taken on either side.
func (m *FieldMapping) Add(target, source string) error {
	if target == "" || source == "" {
		return ErrEmptyColumn
	}
	if m.targets == nil {
		m.targets = make(map[string]struct{})
		m.sources = make(map[string]string)
	}
	if _, ok := m.targets[target]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTarget, target)
	}
	if owner, ok := m.sources[source]; ok {
		return fmt.Errorf("%w: %s (already feeds %s)", ErrDuplicateSource, source, owner)
	}
	m.targets[target] = struct{}{}
	m.sources[source] = target
	m.pairs = append(m.pairs, Pair{Target: target, Source: source})
	return nil
}

// Len returns the number of mapped targets.
func (m FieldMapping) Len() int {
	return len(m.pairs)
}

// Pairs returns a copy of the pairs in insertion order.
func (m FieldMapping) Pairs() []Pair {
	out := make([]Pair, len(m.pairs))
	copy(out, m.pairs)
	return out
}

// Targets returns the target column names in insertion order.
func (m FieldMapping) Targets() []string {
	out := make([]string, len(m.pairs))
	for i, p := range m.pairs {
		out[i] = p.Target
	}
	return out
}

// Source returns the source column mapped to target.
func (m FieldMapping) Source(target string) (string, bool) {
	if _, ok := m.targets[target]; !ok {
		return "", false
	}
	for _, p := range m.pairs {
		if p.Target == target {
			return p.Source, true
		}
	}
	return "", false
}

// SourceUsed reports whether source already feeds a target.
func (m FieldMapping) SourceUsed(source string) bool {
	_, ok := m.sources[source]
	return ok
}

// Map returns an unordered copy, mostly for display and tests.
func (m FieldMapping) Map() map[string]string {
	out := make(map[string]string, len(m.pairs))
	for _, p := range m.pairs {
		out[p.Target] = p.Source
	}
	return out
}

// MarshalJSON encodes the mapping as a JSON object, keeping insertion order.
func (m FieldMapping) MarshalJSON() ([]byte, error) {
	return marshalOrdered(m.pairs)
}

// UnmarshalJSON decodes a JSON object, keeping key order.
func (m *FieldMapping) UnmarshalJSON(data []byte) error {
	pairs, err := unmarshalOrdered(data, false)
	if err != nil {
		return err
	}
	decoded, err := New(pairs...)
	if err != nil {
		return err
	}
	*m = decoded
	return nil
}

// Defaults is an ordered target -> literal default association.
// Setting an existing target replaces its literal but keeps its position.
type Defaults struct {
	pairs []Pair
}

// Set records the literal used for target when no mapped source supplies it.
func (d *Defaults) Set(target, literal string) error {
	if target == "" {
		return ErrEmptyColumn
	}
	for i := range d.pairs {
		if d.pairs[i].Target == target {
			d.pairs[i].Source = literal
			return nil
		}
	}
	d.pairs = append(d.pairs, Pair{Target: target, Source: literal})
	return nil
}

// Value returns the literal configured for target.
func (d Defaults) Value(target string) (string, bool) {
	for _, p := range d.pairs {
		if p.Target == target {
			return p.Source, true
		}
	}
	return "", false
}

// Len returns the number of configured defaults.
func (d Defaults) Len() int {
	return len(d.pairs)
}

// Targets returns the target column names in insertion order.
func (d Defaults) Targets() []string {
	out := make([]string, len(d.pairs))
	for i, p := range d.pairs {
		out[i] = p.Target
	}
	return out
}

// MarshalJSON encodes the defaults as a JSON object, keeping insertion order.
func (d Defaults) MarshalJSON() ([]byte, error) {
	return marshalOrdered(d.pairs)
}

// UnmarshalJSON decodes a JSON object. Numbers and booleans are kept as
// their literal text and null becomes the empty literal.
func (d *Defaults) UnmarshalJSON(data []byte) error {
	pairs, err := unmarshalOrdered(data, true)
	if err != nil {
		return err
	}
	var decoded Defaults
	for _, p := range pairs {
		if err := decoded.Set(p.Target, p.Source); err != nil {
			return err
		}
	}
	*d = decoded
	return nil
}

// WriteColumns returns the columns written to the target: mapping targets
// followed by default targets, deduplicated with the first occurrence kept.
func WriteColumns(m FieldMapping, d Defaults) []string {
	seen := make(map[string]struct{}, m.Len()+d.Len())
	columns := make([]string, 0, m.Len()+d.Len())
	for _, name := range append(m.Targets(), d.Targets()...) {
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		columns = append(columns, name)
	}
	return columns
}

// CoerceDefault turns a literal default into the value bound for the target:
// "" is NULL, plain decimal digits an int64, digits with exactly one decimal
// point a float64, anything else the literal string.
func CoerceDefault(literal string) interface{} {
	if literal == "" {
		return nil
	}
	if isDigits(literal) {
		if n, err := strconv.ParseInt(literal, 10, 64); err == nil {
			return n
		}
		return literal
	}
	if strings.Count(literal, ".") == 1 && isDigits(strings.Replace(literal, ".", "", 1)) {
		if f, err := strconv.ParseFloat(literal, 64); err == nil {
			return f
		}
	}
	return literal
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func marshalOrdered(pairs []Pair) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, p := range pairs {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(p.Target)
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(p.Source)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// unmarshalOrdered walks a JSON object token by token so key order survives.
func unmarshalOrdered(data []byte, lenient bool) ([]Pair, error) {
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, ErrNotAnObject
	}

	var pairs []Pair
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, ErrNotAnObject
		}

		valTok, err := dec.Token()
		if err != nil {
			return nil, err
		}

		var value string
		switch v := valTok.(type) {
		case string:
			value = v
		case json.Number:
			if !lenient {
				return nil, fmt.Errorf("value for %q must be a string", key)
			}
			value = v.String()
		case bool:
			if !lenient {
				return nil, fmt.Errorf("value for %q must be a string", key)
			}
			value = strconv.FormatBool(v)
		case nil:
			if !lenient {
				return nil, fmt.Errorf("value for %q must be a string", key)
			}
		default:
			return nil, fmt.Errorf("value for %q must be a scalar", key)
		}
		pairs = append(pairs, Pair{Target: key, Source: value})
	}

	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return pairs, nil
}
