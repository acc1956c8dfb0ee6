package api

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message is the wire envelope producers publish and brokers carry. Field
// names are part of the wire contract; payloads stay opaque bytes encoded
// with the named serializer.
type Message struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Payload    []byte    `json:"payload,omitempty"`
	Serializer string    `json:"serializer,omitempty"`
	Queue      string    `json:"queue,omitempty"`
	Retries    int       `json:"retries,omitempty"`
	ETA        time.Time `json:"eta,omitzero"`
	Expires    time.Time `json:"expires,omitzero"`
	Priority   int       `json:"priority,omitempty"`
	Origin     string    `json:"origin,omitempty"`
	Enqueued   time.Time `json:"enqueued,omitzero"`
}

// Encode renders the envelope as JSON for broker transport.
func (m *Message) Encode() ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode message %s: %w", m.ID, err)
	}
	return b, nil
}

// DecodeMessage parses a broker delivery body back into an envelope. A
// missing id or name makes the message malformed.
func DecodeMessage(body []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if m.ID == "" {
		return nil, fmt.Errorf("decode message: missing id")
	}
	if m.Name == "" {
		return nil, fmt.Errorf("decode message: missing task name")
	}
	return &m, nil
}

// Delivery is one message handed over by a broker, paired with the tag
// the consumer must use to ack or reject it.
type Delivery struct {
	Tag         string
	Body        []byte
	Redelivered bool
}

// Request is the runtime form of a dequeued message: what the dispatcher
// tracks from reception until its terminal state.
type Request struct {
	ID         string
	Name       string
	Payload    []byte
	Serializer string
	Queue      string
	Tag        string
	Retries    int
	ETA        time.Time
	Expires    time.Time
	Priority   int
	Origin     string
	Enqueued   time.Time
}

// RequestFromMessage builds the runtime request for a decoded envelope
// delivered under tag.
func RequestFromMessage(m *Message, tag string) *Request {
	return &Request{
		ID:         m.ID,
		Name:       m.Name,
		Payload:    m.Payload,
		Serializer: m.Serializer,
		Queue:      m.Queue,
		Tag:        tag,
		Retries:    m.Retries,
		ETA:        m.ETA,
		Expires:    m.Expires,
		Priority:   m.Priority,
		Origin:     m.Origin,
		Enqueued:   m.Enqueued,
	}
}

// ToMessage converts the request back into a wire envelope, carrying the
// current retry count. Used when a retry is re-enqueued.
func (r *Request) ToMessage() *Message {
	return &Message{
		ID:         r.ID,
		Name:       r.Name,
		Payload:    r.Payload,
		Serializer: r.Serializer,
		Queue:      r.Queue,
		Retries:    r.Retries,
		ETA:        r.ETA,
		Expires:    r.Expires,
		Priority:   r.Priority,
		Origin:     r.Origin,
		Enqueued:   r.Enqueued,
	}
}

// Expired reports whether the request's expiry has passed at now.
func (r *Request) Expired(now time.Time) bool {
	return !r.Expires.IsZero() && !now.Before(r.Expires)
}

// Due reports whether the request may execute at now: either it has no
// ETA or the ETA has been reached.
func (r *Request) Due(now time.Time) bool {
	return r.ETA.IsZero() || !now.Before(r.ETA)
}
