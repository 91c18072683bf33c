package taskqueue

import (
	"encoding/json"
	"fmt"
)

// EncodeMessage serializes m into the wire format shared by every producer:
// {type, payload, timestamp, idempotencyKey}.
func EncodeMessage(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMessage parses data produced by EncodeMessage.
func DecodeMessage(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode queue message: %w", err)
	}
	return &m, nil
}
