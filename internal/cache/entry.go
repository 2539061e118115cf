package cache

import (
	"encoding/json"
	"fmt"
)

// Entry flag bytes. The codec is one flag byte followed, for positive
// entries, by the JSON payload. Negative entries are the flag byte alone.
const (
	flagNegative = 0x00
	flagPositive = 0x01
)

// EncodePositive encodes v as a positive entry.
func EncodePositive(v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("cache: encode: %w", err)
	}
	buf := make([]byte, 1+len(payload))
	buf[0] = flagPositive
	copy(buf[1:], payload)
	return buf, nil
}

// EncodeNegative returns the negative marker entry.
func EncodeNegative() []byte {
	return []byte{flagNegative}
}

// DecodeEntry splits an encoded entry into (payload, negative).
// A nil payload with negative=true is a negative entry.
func DecodeEntry(raw []byte) (payload []byte, negative bool, err error) {
	if len(raw) == 0 {
		return nil, false, fmt.Errorf("cache: empty entry")
	}
	switch raw[0] {
	case flagNegative:
		return nil, true, nil
	case flagPositive:
		return raw[1:], false, nil
	default:
		return nil, false, fmt.Errorf("cache: unknown entry flag 0x%02x", raw[0])
	}
}
