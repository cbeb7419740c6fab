package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// entry is the stored form of a cached payload.
type entry struct {
	StoredAt int64           `json:"storedAt"`
	Payload  json.RawMessage `json:"payload"`
}

func (e entry) age(now time.Time) time.Duration {
	return time.Duration(now.UnixMilli()-e.StoredAt) * time.Millisecond
}

func encodeEntry(now time.Time, payload json.RawMessage) (string, error) {
	if len(payload) == 0 || string(payload) == "null" {
		return "", errors.New("empty payload")
	}
	if !json.Valid(payload) {
		return "", errors.New("payload is not valid JSON")
	}
	b, err := json.Marshal(entry{StoredAt: now.UnixMilli(), Payload: payload})
	if err != nil {
		return "", fmt.Errorf("encode entry: %w", err)
	}
	return string(b), nil
}

func decodeEntry(raw string) (entry, error) {
	var e entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return entry{}, fmt.Errorf("decode entry: %w", err)
	}
	if e.StoredAt <= 0 {
		return entry{}, errors.New("entry has no storedAt")
	}
	if len(e.Payload) == 0 || string(e.Payload) == "null" {
		return entry{}, errors.New("entry has no payload")
	}
	return e, nil
}
