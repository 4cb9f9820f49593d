package sambung

import (
	"strconv"
	"time"
)

// Metadata is an open key/value map carried on messages and response items.
// Each interceptor owns one top-level key and writes only below it.
type Metadata map[string]any

// Well-known top-level metadata keys, one per owner.
const (
	MetaAuth           = "auth"
	MetaTracing        = "tracing"
	MetaTimeout        = "timeout"
	MetaRetry          = "retry"
	MetaCache          = "cache"
	MetaCircuitBreaker = "circuitBreaker"
	MetaRateLimit      = "rateLimit"
	MetaBatch          = "batch"
	MetaDeduplication  = "deduplication"
)

// Section returns the sub-map stored under key, creating it when absent.
// A plain map[string]any value is converted in place so that later writes
// land in the message.
func (m Metadata) Section(key string) Metadata {
	switch v := m[key].(type) {
	case Metadata:
		return v
	case map[string]any:
		sub := Metadata(v)
		m[key] = sub
		return sub
	}
	sub := Metadata{}
	m[key] = sub
	return sub
}

// Lookup returns the sub-map stored under key without creating it.
func (m Metadata) Lookup(key string) (Metadata, bool) {
	if m == nil {
		return nil, false
	}
	switch v := m[key].(type) {
	case Metadata:
		return v, true
	case map[string]any:
		return Metadata(v), true
	}
	return nil, false
}

// Int reads an integer field, accepting any numeric representation.
func (m Metadata) Int(field string) (int, bool) {
	switch v := m[field].(type) {
	case int:
		return v, true
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	case uint:
		return int(v), true
	case uint32:
		return int(v), true
	case uint64:
		return int(v), true
	case float32:
		return int(v), true
	case float64:
		return int(v), true
	case string:
		n, err := strconv.Atoi(v)
		return n, err == nil
	}
	return 0, false
}

// Float reads a floating point field.
func (m Metadata) Float(field string) (float64, bool) {
	switch v := m[field].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	}
	if n, ok := m.Int(field); ok {
		return float64(n), true
	}
	return 0, false
}

// Bool reads a boolean field.
func (m Metadata) Bool(field string) (bool, bool) {
	switch v := m[field].(type) {
	case bool:
		return v, true
	case string:
		b, err := strconv.ParseBool(v)
		return b, err == nil
	}
	return false, false
}

// String reads a string field.
func (m Metadata) String(field string) (string, bool) {
	s, ok := m[field].(string)
	return s, ok
}

// Duration reads a duration field. Bare numbers are milliseconds; strings
// use time.ParseDuration syntax.
func (m Metadata) Duration(field string) (time.Duration, bool) {
	switch v := m[field].(type) {
	case time.Duration:
		return v, true
	case string:
		d, err := time.ParseDuration(v)
		return d, err == nil
	}
	if n, ok := m.Float(field); ok {
		return time.Duration(n * float64(time.Millisecond)), true
	}
	return 0, false
}

// Clone returns a deep copy of the nested map structure. Leaf values are
// shared.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	return MergeContext(m)
}

// MergeContext deep-merges layers left to right into a new map. Nested maps
// merge key by key; a nil value never overrides; any other provided value
// replaces what was there. Inputs are not modified.
func MergeContext(layers ...Metadata) Metadata {
	out := Metadata{}
	for _, layer := range layers {
		mergeInto(out, layer)
	}
	return out
}

func mergeInto(dst Metadata, src map[string]any) {
	for k, v := range src {
		if v == nil {
			continue
		}
		sub, isMap := asMap(v)
		if !isMap {
			dst[k] = v
			continue
		}
		if sub == nil {
			continue
		}
		existing, _ := asMap(dst[k])
		merged := Metadata{}
		mergeInto(merged, existing)
		mergeInto(merged, sub)
		dst[k] = merged
	}
}

func asMap(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case Metadata:
		return t, true
	case map[string]any:
		return t, true
	}
	return nil, false
}
