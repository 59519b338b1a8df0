package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ShapeError reports a verify response that does not match the expected
// schema. It is never retried.
type ShapeError struct {
	Field  string
	Reason string
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("gateway response: %s: %s", e.Field, e.Reason)
}

type Verification struct {
	// OK is the envelope's top-level status flag.
	OK              bool
	Message         string
	Reference       string
	Status          string
	Amount          decimal.Decimal // major units
	AmountMinor     int64
	Channel         string
	Currency        string
	PaidAt          time.Time
	GatewayResponse string
	Metadata        map[string]any
}

// Succeeded is the only success predicate: the envelope is ok and the
// transaction status is "success".
func (v *Verification) Succeeded() bool {
	return v.OK && v.Status == "success"
}

type rawEnvelope struct {
	Status  *bool           `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type rawData struct {
	Reference       string          `json:"reference"`
	Status          *string         `json:"status"`
	Amount          *json.Number    `json:"amount"`
	Channel         string          `json:"channel"`
	Currency        string          `json:"currency"`
	PaidAt          *string         `json:"paid_at"`
	GatewayResponse string          `json:"gateway_response"`
	Metadata        json.RawMessage `json:"metadata"`
}

// ParseVerification validates body against the verify schema. A failed
// envelope (status false) parses without data.
func ParseVerification(body []byte) (*Verification, error) {
	var env rawEnvelope
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&env); err != nil {
		return nil, &ShapeError{Field: "$", Reason: err.Error()}
	}
	if env.Status == nil {
		return nil, &ShapeError{Field: "status", Reason: "missing"}
	}
	v := &Verification{OK: *env.Status, Message: env.Message}
	if !v.OK {
		return v, nil
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil, &ShapeError{Field: "data", Reason: "missing"}
	}

	var d rawData
	dec = json.NewDecoder(bytes.NewReader(env.Data))
	dec.UseNumber()
	if err := dec.Decode(&d); err != nil {
		return nil, &ShapeError{Field: "data", Reason: err.Error()}
	}
	if d.Status == nil {
		return nil, &ShapeError{Field: "data.status", Reason: "missing"}
	}
	if d.Amount == nil {
		return nil, &ShapeError{Field: "data.amount", Reason: "missing"}
	}
	minor, err := d.Amount.Int64()
	if err != nil {
		return nil, &ShapeError{Field: "data.amount", Reason: "not an integer amount in minor units"}
	}
	if minor < 0 {
		return nil, &ShapeError{Field: "data.amount", Reason: "negative"}
	}

	v.Reference = d.Reference
	v.Status = *d.Status
	v.AmountMinor = minor
	v.Amount = decimal.New(minor, -2)
	v.Channel = d.Channel
	v.Currency = d.Currency
	v.GatewayResponse = d.GatewayResponse
	if d.PaidAt != nil && *d.PaidAt != "" {
		t, err := time.Parse(time.RFC3339, *d.PaidAt)
		if err != nil {
			return nil, &ShapeError{Field: "data.paid_at", Reason: "not RFC 3339"}
		}
		v.PaidAt = t
	}
	if len(d.Metadata) > 0 && d.Metadata[0] == '{' {
		if err := json.Unmarshal(d.Metadata, &v.Metadata); err != nil {
			return nil, &ShapeError{Field: "data.metadata", Reason: err.Error()}
		}
	}
	return v, nil
}
