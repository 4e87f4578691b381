package engine

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/Priya8975/event-webhooks/internal/domain"
)

func TestMatchFilter(t *testing.T) {
	tests := []struct {
		name   string
		filter domain.Filter
		attrs  map[string]any
		want   bool
	}{
		{"nil filter matches", nil, map[string]any{"status": "funded"}, true},
		{"empty filter matches", domain.Filter{}, nil, true},
		{"equal string", domain.Filter{"status": "funded"}, map[string]any{"status": "funded"}, true},
		{"different string", domain.Filter{"status": "funded"}, map[string]any{"status": "pending"}, false},
		{"missing key", domain.Filter{"status": "funded"}, map[string]any{"amount": 10}, false},
		{"nil attrs", domain.Filter{"status": "funded"}, nil, false},
		{"int equals float", domain.Filter{"amount": float64(10)}, map[string]any{"amount": 10}, true},
		{"int64 equals int", domain.Filter{"amount": 10}, map[string]any{"amount": int64(10)}, true},
		{"json number", domain.Filter{"amount": float64(2.5)}, map[string]any{"amount": json.Number("2.5")}, true},
		{"no string to number coercion", domain.Filter{"amount": "10"}, map[string]any{"amount": 10}, false},
		{"no number to string coercion", domain.Filter{"amount": 10}, map[string]any{"amount": "10"}, false},
		{"bool", domain.Filter{"active": true}, map[string]any{"active": true}, true},
		{"bool vs string", domain.Filter{"active": true}, map[string]any{"active": "true"}, false},
		{"null equals null", domain.Filter{"owner": nil}, map[string]any{"owner": nil}, true},
		{"null vs empty string", domain.Filter{"owner": nil}, map[string]any{"owner": ""}, false},
		{"extra attrs ignored", domain.Filter{"a": "x"}, map[string]any{"a": "x", "b": "y"}, true},
		{"all keys must match", domain.Filter{"a": "x", "b": "y"}, map[string]any{"a": "x", "b": "z"}, false},
		{"non scalar attr never matches", domain.Filter{"a": "x"}, map[string]any{"a": []string{"x"}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MatchFilter(tt.filter, tt.attrs); got != tt.want {
				t.Errorf("MatchFilter(%v, %v) = %v, want %v", tt.filter, tt.attrs, got, tt.want)
			}
		})
	}
}

type dealStage string

type fundedFlag bool

func TestMatchFilter_ExactNumbersAndNamedTypes(t *testing.T) {
	tests := []struct {
		name   string
		filter domain.Filter
		attrs  map[string]any
		want   bool
	}{
		{"large ints differ", domain.Filter{"id": int64(9007199254740993)}, map[string]any{"id": int64(9007199254740992)}, false},
		{"large ints equal", domain.Filter{"id": int64(9007199254740993)}, map[string]any{"id": uint64(9007199254740993)}, true},
		{"large json number vs float", domain.Filter{"id": json.Number("9007199254740993")}, map[string]any{"id": float64(9007199254740992)}, false},
		{"json number vs int", domain.Filter{"id": json.Number("42")}, map[string]any{"id": 42}, true},
		{"max uint64", domain.Filter{"n": uint64(18446744073709551615)}, map[string]any{"n": json.Number("18446744073709551615")}, true},
		{"float vs rounded int", domain.Filter{"amount": 2.5}, map[string]any{"amount": 2}, false},
		{"named string type", domain.Filter{"stage": "funded"}, map[string]any{"stage": dealStage("funded")}, true},
		{"named string type differs", domain.Filter{"stage": "funded"}, map[string]any{"stage": dealStage("draft")}, false},
		{"named bool type", domain.Filter{"funded": true}, map[string]any{"funded": fundedFlag(true)}, true},
		{"named string is not a number", domain.Filter{"stage": 1}, map[string]any{"stage": dealStage("1")}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MatchFilter(tt.filter, tt.attrs); got != tt.want {
				t.Errorf("MatchFilter(%v, %v) = %v, want %v", tt.filter, tt.attrs, got, tt.want)
			}
		})
	}
}

func TestMatchFilter_DealFunded(t *testing.T) {
	onlyFunded := domain.Filter{"status": "funded"}
	everything := domain.Filter(nil)

	funded := map[string]any{"status": "funded", "amount": 5000}
	declined := map[string]any{"status": "declined", "amount": 5000}

	if !MatchFilter(onlyFunded, funded) || !MatchFilter(everything, funded) {
		t.Error("funded event should match both subscriptions")
	}
	if MatchFilter(onlyFunded, declined) {
		t.Error("declined event should not match the funded-only subscription")
	}
	if !MatchFilter(everything, declined) {
		t.Error("declined event should match the unfiltered subscription")
	}
}

func TestMatchFilter_DecodedJSON(t *testing.T) {
	var filter domain.Filter
	if err := json.Unmarshal([]byte(`{"stage":3,"region":"eu"}`), &filter); err != nil {
		t.Fatal(err)
	}
	if !MatchFilter(filter, map[string]any{"stage": 3, "region": "eu"}) {
		t.Error("decoded filter should match Go typed attributes")
	}
}

func TestValidateFilter(t *testing.T) {
	tests := []struct {
		name    string
		filter  domain.Filter
		wantErr bool
	}{
		{"nil", nil, false},
		{"scalars", domain.Filter{"a": "x", "b": 1, "c": true, "d": nil, "e": 1.5}, false},
		{"empty key", domain.Filter{"": "x"}, true},
		{"object value", domain.Filter{"a": map[string]any{"b": 1}}, true},
		{"array value", domain.Filter{"a": []any{1, 2}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateFilter(tt.filter)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidFilter) {
					t.Errorf("expected ErrInvalidFilter, got %v", err)
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}
