package engine

import (
	"encoding/json"
	"fmt"
	"math/big"
	"reflect"

	"github.com/Priya8975/event-webhooks/internal/domain"
)

// MatchFilter reports whether every key of filter is present in attrs with a
// strictly equal value. Values are compared by JSON kind: numbers only equal
// numbers, strings only equal strings. An empty filter matches everything.
func MatchFilter(filter domain.Filter, attrs map[string]any) bool {
	for key, want := range filter {
		got, ok := attrs[key]
		if !ok {
			return false
		}
		if !scalarEqual(want, got) {
			return false
		}
	}
	return true
}

// ValidateFilter rejects filters whose values are not JSON scalars.
func ValidateFilter(filter domain.Filter) error {
	for key, v := range filter {
		if key == "" {
			return fmt.Errorf("%w: empty attribute name", ErrInvalidFilter)
		}
		if _, ok := normalize(v); !ok {
			return fmt.Errorf("%w: value for %q must be a string, number, boolean or null", ErrInvalidFilter, key)
		}
	}
	return nil
}

type jsonKind int

const (
	kindNull jsonKind = iota
	kindBool
	kindNumber
	kindString
)

type scalar struct {
	kind jsonKind
	b    bool
	n    *big.Rat
	s    string
}

func (a scalar) equal(b scalar) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case kindBool:
		return a.b == b.b
	case kindNumber:
		return a.n.Cmp(b.n) == 0
	case kindString:
		return a.s == b.s
	}
	return true
}

func scalarEqual(a, b any) bool {
	na, ok := normalize(a)
	if !ok {
		return false
	}
	nb, ok := normalize(b)
	if !ok {
		return false
	}
	return na.equal(nb)
}

// normalize maps v onto a JSON kind. Numbers are held as exact rationals so
// integers beyond float64 precision never compare equal to their neighbours.
func normalize(v any) (scalar, bool) {
	if v == nil {
		return scalar{kind: kindNull}, true
	}
	if n, ok := v.(json.Number); ok {
		r, ok := new(big.Rat).SetString(n.String())
		if !ok {
			return scalar{}, false
		}
		return scalar{kind: kindNumber, n: r}, true
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String:
		return scalar{kind: kindString, s: rv.String()}, true
	case reflect.Bool:
		return scalar{kind: kindBool, b: rv.Bool()}, true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return scalar{kind: kindNumber, n: new(big.Rat).SetInt64(rv.Int())}, true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return scalar{kind: kindNumber, n: new(big.Rat).SetUint64(rv.Uint())}, true
	case reflect.Float32, reflect.Float64:
		r := new(big.Rat).SetFloat64(rv.Float())
		if r == nil {
			return scalar{}, false
		}
		return scalar{kind: kindNumber, n: r}, true
	}
	return scalar{}, false
}
