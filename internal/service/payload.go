package service

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// PayloadKind tags the shape of a payload, decided once at validation entry.
type PayloadKind int

const (
	PayloadGeneric PayloadKind = iota
	PayloadRecords
	PayloadScored
)

func (k PayloadKind) String() string {
	switch k {
	case PayloadRecords:
		return "records"
	case PayloadScored:
		return "scored"
	default:
		return "generic"
	}
}

// Payload is the classified form of a validator input.
type Payload struct {
	Kind    PayloadKind
	Records []map[string]any // PayloadRecords
	Object  map[string]any   // PayloadScored, and PayloadGeneric when data is an object
	Raw     any
}

// ClassifyPayload normalizes data to its JSON shape and tags it.
func ClassifyPayload(data any) Payload {
	data = normalizeJSON(data)

	if records, ok := recordsOf(data); ok {
		return Payload{Kind: PayloadRecords, Records: records, Raw: data}
	}
	if obj, ok := data.(map[string]any); ok {
		if _, has := obj["score"]; has {
			return Payload{Kind: PayloadScored, Object: obj, Raw: data}
		}
		return Payload{Kind: PayloadGeneric, Object: obj, Raw: data}
	}
	return Payload{Kind: PayloadGeneric, Raw: data}
}

// normalizeJSON converts typed values (structs, typed slices) to the generic
// map/slice form produced by encoding/json. Already generic values pass through.
func normalizeJSON(data any) any {
	switch data.(type) {
	case nil, map[string]any, []any, []map[string]any, string, float64, bool:
		return data
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return data
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return data
	}
	return out
}

// recordsOf returns the object elements of a list payload.
// Non-object elements are dropped.
func recordsOf(data any) ([]map[string]any, bool) {
	switch v := data.(type) {
	case []map[string]any:
		return v, true
	case []any:
		out := make([]map[string]any, 0, len(v))
		for _, item := range v {
			if m, ok := item.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out, true
	}
	return nil, false
}

// lastRecord picks the record that represents a source's current state:
// the last element of a list, or the object itself.
func lastRecord(data any) (map[string]any, bool) {
	data = normalizeJSON(data)
	if records, ok := recordsOf(data); ok {
		if len(records) == 0 {
			return nil, false
		}
		return records[len(records)-1], true
	}
	m, ok := data.(map[string]any)
	return m, ok
}

// recordTime reads the record's timestamp, preferring "timestamp" over "time".
func recordTime(rec map[string]any) (time.Time, bool) {
	for _, key := range []string{"timestamp", "time"} {
		if v, ok := rec[key]; ok && v != nil {
			return parseTime(v)
		}
	}
	return time.Time{}, false
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// parseTime accepts Unix milliseconds (number or numeric string) and the
// usual textual layouts.
func parseTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return time.Time{}, false
		}
		return time.UnixMilli(int64(t)), true
	case int:
		return time.UnixMilli(int64(t)), true
	case int64:
		return time.UnixMilli(t), true
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return time.Time{}, false
		}
		return parseTime(f)
	case string:
		s := strings.TrimSpace(t)
		for _, layout := range timeLayouts {
			if parsed, err := time.Parse(layout, s); err == nil {
				return parsed, true
			}
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return parseTime(f)
		}
	}
	return time.Time{}, false
}

// numberOf reads a numeric value from a decoded JSON field.
func numberOf(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

// fieldValue renders a field for cross-source comparison.
// Timestamps compare by instant so "2026-05-01T10:00:00Z" equals its epoch form.
func fieldValue(field string, v any) string {
	if field == "timestamp" {
		if t, ok := parseTime(v); ok {
			return strconv.FormatInt(t.UnixMilli(), 10)
		}
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return fmt.Sprint(v)
}
