package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidEvent   = errors.New("invalid event")
	ErrDuplicateEvent = errors.New("event id already ingested")
	ErrStaleEventID   = errors.New("event id is not greater than the latest ingested id")
)

// Payload maps field names to scalar values: string, float64, bool or nil.
type Payload map[string]any

type Event struct {
	ID         int64     `json:"id"`
	SourceType string    `json:"source_type"`
	Payload    Payload   `json:"payload"`
	IngestedAt time.Time `json:"ingested_at"`
}

// NormalizePayload returns a copy of raw with every value reduced to its scalar form.
func NormalizePayload(raw map[string]any) (Payload, error) {
	out := make(Payload, len(raw))
	for key, value := range raw {
		if strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("%w: empty payload field name", ErrInvalidEvent)
		}
		normalized, ok := NormalizeValue(value)
		if !ok {
			return nil, fmt.Errorf("%w: field %q has non-scalar value of type %T", ErrInvalidEvent, key, value)
		}
		out[key] = normalized
	}
	return out, nil
}

// NormalizeValue maps a Go value onto the scalar domain. Numbers become float64,
// timestamps RFC3339 strings and byte slices strings.
func NormalizeValue(value any) (any, bool) {
	switch v := value.(type) {
	case nil:
		return nil, true
	case string:
		return v, true
	case bool:
		return v, true
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int8:
		return float64(v), true
	case int16:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint8:
		return float64(v), true
	case uint16:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return v.String(), true
		}
		return f, true
	case time.Time:
		return v.UTC().Format(time.RFC3339Nano), true
	case []byte:
		return string(v), true
	default:
		return nil, false
	}
}

func (e Event) Validate() error {
	if strings.TrimSpace(e.SourceType) == "" {
		return fmt.Errorf("%w: source_type is required", ErrInvalidEvent)
	}
	if e.ID < 0 {
		return fmt.Errorf("%w: id must be positive", ErrInvalidEvent)
	}
	return nil
}
