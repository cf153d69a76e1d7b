package queue

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecode(t *testing.T) {
	type trainPayload struct {
		Exchange string `json:"exchange"`
		Symbol   string `json:"symbol"`
	}
	p, err := Decode[trainPayload](json.RawMessage(`{"exchange":"HOSE","symbol":"VNM"}`))
	if err != nil || p.Exchange != "HOSE" || p.Symbol != "VNM" {
		t.Fatalf("unexpected %+v %v", p, err)
	}
	if _, err := Decode[trainPayload](json.RawMessage(`{"exchange":`)); !errors.Is(err, ErrSkipRetry) {
		t.Fatalf("expected ErrSkipRetry, got %v", err)
	}
}
