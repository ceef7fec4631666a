// Package stream fans committed events out to downstream sinks and live
// subscribers. Delivery is best effort: nothing here can fail a submission.
package stream

import (
	"context"
	"encoding/json"
	"fmt"

	"auditchain/internal/audit/models"
)

// Emitter delivers one event to a downstream sink.
type Emitter interface {
	Name() string
	Emit(ctx context.Context, e *models.Event) error
}

// Encode renders the wire form shared by every sink.
func Encode(e *models.Event) ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode event %s: %w", e.ID, err)
	}
	return raw, nil
}

// Decode parses the wire form produced by Encode.
func Decode(raw []byte) (*models.Event, error) {
	var e models.Event
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	return &e, nil
}
