package kafka

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ariefcatur/go-pharmacy-orders/internal/events"
	"github.com/segmentio/kafka-go"
)

// EnvelopeVersion is the newest envelope layout this build can read.
const EnvelopeVersion = 1

var ErrUnsupportedVersion = errors.New("unsupported event version")

func MustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

// DecodeEnvelope reads the envelope of a consumed message. The event type
// falls back to the x-event-type header for producers that left it out of
// the body.
func DecodeEnvelope(m kafka.Message) (events.Envelope, error) {
	var env events.Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		return env, fmt.Errorf("decode envelope: %w", err)
	}
	if env.EventVersion > EnvelopeVersion {
		return env, fmt.Errorf("%w: %s v%d", ErrUnsupportedVersion, env.EventType, env.EventVersion)
	}
	if env.EventType == "" {
		for _, h := range m.Headers {
			if h.Key == "x-event-type" {
				env.EventType = string(h.Value)
			}
		}
	}
	return env, nil
}

// UnwrapPayload decodes an envelope payload into its concrete type.
func UnwrapPayload[T any](payload json.RawMessage) (T, error) {
	var t T
	if err := json.Unmarshal(payload, &t); err != nil {
		return t, fmt.Errorf("decode payload: %w", err)
	}
	return t, nil
}
