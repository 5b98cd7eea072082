package contracts

import (
	"bytes"
	"time"

	"github.com/google/uuid"
)

// Envelope wraps every request, reply and publish on the wire
type Envelope struct {
	ID            string            `json:"id" msgpack:"id"`
	Route         string            `json:"route" msgpack:"route"`
	CorrelationID string            `json:"correlationId,omitempty" msgpack:"correlationId,omitempty"`
	Source        string            `json:"source,omitempty" msgpack:"source,omitempty"`
	Timestamp     time.Time         `json:"timestamp" msgpack:"timestamp"`
	Headers       map[string]string `json:"headers,omitempty" msgpack:"headers,omitempty"`
	Body          Body              `json:"body,omitempty" msgpack:"body,omitempty"`
	Error         string            `json:"error,omitempty" msgpack:"error,omitempty"`
}

// Well-known envelope headers
const (
	HeaderIndex         = "artery-index"
	HeaderPreviousIndex = "artery-previous-index"
	HeaderModel         = "artery-model"
)

// NewEnvelope creates an envelope for route with a fresh id
func NewEnvelope(route string, body Body) *Envelope {
	return &Envelope{
		ID:        uuid.New().String(),
		Route:     route,
		Timestamp: time.Now().UTC(),
		Body:      body,
	}
}

// ReplyTo creates the envelope answering e
func (e *Envelope) ReplyTo(body Body) *Envelope {
	reply := NewEnvelope(e.Route, body)
	reply.CorrelationID = e.CorrelationID
	return reply
}

// Header returns the value of a header, empty when absent
func (e *Envelope) Header(key string) string {
	if e.Headers == nil {
		return ""
	}
	return e.Headers[key]
}

// SetHeader sets a header value
func (e *Envelope) SetHeader(key, value string) {
	if e.Headers == nil {
		e.Headers = make(map[string]string)
	}
	e.Headers[key] = value
}

// Failed reports whether the envelope carries a remote error
func (e *Envelope) Failed() bool {
	return e.Error != ""
}

// Body is a codec-encoded payload. It is embedded verbatim in JSON envelopes and
// carried as binary in MessagePack envelopes.
type Body []byte

// MarshalJSON embeds the body as raw JSON
func (b Body) MarshalJSON() ([]byte, error) {
	if len(b) == 0 {
		return []byte("null"), nil
	}
	return b, nil
}

// UnmarshalJSON keeps a copy of the raw JSON
func (b *Body) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*b = nil
		return nil
	}
	*b = append((*b)[:0], data...)
	return nil
}
