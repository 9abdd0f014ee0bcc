package write

import (
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
)

// Ack is the result of acknowledging one write, cached and foldable per
// §4.6 "Acknowledgement".
type Ack struct {
	N               int64
	UpdatedExisting bool
	WTimeout        bool
	Err             string
	Code            int32
}

// WriteConcern is a getLastError-style concern document, order- and
// case-insensitive for comparison purposes (§4.6 "Acknowledgement").
type WriteConcern struct {
	fields map[string]interface{}
}

// ParseWriteConcern builds a WriteConcern from a getLastError-shaped
// command document (the same keys that follow `getLastError: 1`).
func ParseWriteConcern(doc bson.M) WriteConcern {
	wc := WriteConcern{fields: make(map[string]interface{}, len(doc))}
	for k, v := range doc {
		if strings.EqualFold(k, "getlasterror") {
			continue
		}
		wc.fields[strings.ToLower(k)] = v
	}
	return wc
}

// areEquivalent implements §4.6 / §8 "Write-concern equivalence": an
// equivalence relation where `w:1` equals missing `w`, keys compare
// order- and case-insensitively, and `wtimeout` is never equivalent to
// anything (always forces re-acknowledgement).
func areEquivalent(a, b WriteConcern) bool {
	if _, ok := a.fields["wtimeout"]; ok {
		return false
	}
	if _, ok := b.fields["wtimeout"]; ok {
		return false
	}
	return wValue(a) == wValue(b) && journalValue(a) == journalValue(b)
}

func wValue(wc WriteConcern) interface{} {
	if v, ok := wc.fields["w"]; ok {
		return normalizeW(v)
	}
	return normalizeW(int32(1))
}

// normalizeW folds the numeric forms of `w` (missing, int32(1), int64(1),
// float64(1)) onto one comparable representation so "w:1" and "no w" are
// equivalent.
func normalizeW(v interface{}) interface{} {
	switch n := v.(type) {
	case int32:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	default:
		return v
	}
}

func journalValue(wc WriteConcern) interface{} {
	if v, ok := wc.fields["j"]; ok {
		return v
	}
	return false
}

// Reducer folds N children acks into one (§4.6 "Multi-operations
// acknowledge each child and fold the replies with a configurable
// reducer").
type Reducer func(children []Ack) Ack

// DefaultReducer implements §8 "Ack reducer": n = sum nᵢ; err = first
// non-null errᵢ with its code; wtimeout = OR of wtimeoutᵢ; updatedExisting
// likewise ORed since it is meaningful only for single-document updates in
// practice.
func DefaultReducer(children []Ack) Ack {
	var out Ack
	for _, c := range children {
		out.N += c.N
		out.WTimeout = out.WTimeout || c.WTimeout
		out.UpdatedExisting = out.UpdatedExisting || c.UpdatedExisting
		if out.Err == "" && c.Err != "" {
			out.Err = c.Err
			out.Code = c.Code
		}
	}
	return out
}

// AckTimeout is the wtimeout duration parsed from a concern document, if
// present, for callers that need to bound the acknowledgement round-trip.
func AckTimeout(wc WriteConcern) (time.Duration, bool) {
	v, ok := wc.fields["wtimeout"]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int32:
		return time.Duration(n) * time.Millisecond, true
	case int64:
		return time.Duration(n) * time.Millisecond, true
	case float64:
		return time.Duration(n) * time.Millisecond, true
	}
	return 0, false
}
