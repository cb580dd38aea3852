package remote

import (
	"encoding/json"
	"fmt"
	"time"

	"okoa-go/internal/model"
)

// Envelope is the record written by sinks that store writes as objects
// (filesystem spool, S3). JSON payloads are embedded as-is; anything else is
// base64 encoded.
type Envelope struct {
	ID            string          `json:"id"`
	CreatedAt     time.Time       `json:"created_at"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	PayloadBase64 []byte          `json:"payload_base64,omitempty"`
}

// NewEnvelope wraps w for storage.
func NewEnvelope(w *model.PendingWrite) Envelope {
	env := Envelope{ID: w.ID, CreatedAt: w.CreatedAt.UTC()}
	if json.Valid(w.Payload) {
		env.Payload = json.RawMessage(w.Payload)
	} else {
		env.PayloadBase64 = w.Payload
	}
	return env
}

// Bytes returns the original payload.
func (e Envelope) Bytes() []byte {
	if e.Payload != nil {
		return []byte(e.Payload)
	}
	return e.PayloadBase64
}

func encodeEnvelope(w *model.PendingWrite) ([]byte, error) {
	data, err := json.Marshal(NewEnvelope(w))
	if err != nil {
		return nil, fmt.Errorf("encoding write %s: %w", w.ID, err)
	}
	return data, nil
}

// objectName is the file or object name a write is stored under.
func objectName(id string) string {
	return id + ".json"
}
