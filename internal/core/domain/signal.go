package domain

import (
	"encoding/json"
	"fmt"
)

type EnvelopeType string

const (
	EnvelopeViewerJoin EnvelopeType = "viewer-join"
	EnvelopeOffer      EnvelopeType = "offer"
	EnvelopeAnswer     EnvelopeType = "answer"
	EnvelopeICE        EnvelopeType = "ice"

	// EnvelopeError is written by the relay server to a single connection
	// when it rejects a frame. Peers never publish it.
	EnvelopeError EnvelopeType = "error"
)

func (t EnvelopeType) Valid() bool {
	switch t {
	case EnvelopeViewerJoin, EnvelopeOffer, EnvelopeAnswer, EnvelopeICE:
		return true
	}
	return false
}

// SignalEnvelope is the only message the relay carries. A nil To means the
// envelope is broadcast to every subscriber of StreamID.
type SignalEnvelope struct {
	Type     EnvelopeType    `json:"type"`
	StreamID StreamID        `json:"streamId"`
	From     PeerID          `json:"from"`
	To       *PeerID         `json:"to"`
	Payload  json.RawMessage `json:"payload"`
}

func NewBroadcastEnvelope(t EnvelopeType, streamID StreamID, from PeerID, payload interface{}) (*SignalEnvelope, error) {
	return newEnvelope(t, streamID, from, nil, payload)
}

func NewAddressedEnvelope(t EnvelopeType, streamID StreamID, from, to PeerID, payload interface{}) (*SignalEnvelope, error) {
	return newEnvelope(t, streamID, from, &to, payload)
}

func newEnvelope(t EnvelopeType, streamID StreamID, from PeerID, to *PeerID, payload interface{}) (*SignalEnvelope, error) {
	env := &SignalEnvelope{
		Type:     t,
		StreamID: streamID,
		From:     from,
		To:       to,
		Payload:  json.RawMessage("null"),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", t, err)
		}
		env.Payload = data
	}
	return env, nil
}

func (e *SignalEnvelope) IsBroadcast() bool {
	return e.To == nil
}

// DeliverableTo reports whether a subscriber with the given id may see e.
func (e *SignalEnvelope) DeliverableTo(peerID PeerID) bool {
	if e.From == peerID {
		return false
	}
	return e.To == nil || *e.To == peerID
}

func (e *SignalEnvelope) Validate() error {
	if !e.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEnvelope, e.Type)
	}
	if e.StreamID == "" {
		return fmt.Errorf("%w: missing streamId", ErrInvalidEnvelope)
	}
	if e.From == "" {
		return fmt.Errorf("%w: missing from", ErrInvalidEnvelope)
	}
	if e.To != nil && *e.To == "" {
		return fmt.Errorf("%w: empty to", ErrInvalidEnvelope)
	}
	if e.Type != EnvelopeViewerJoin && e.To == nil {
		return fmt.Errorf("%w: %s must be addressed", ErrInvalidEnvelope, e.Type)
	}
	return nil
}

// DecodePayload unmarshals the payload into v.
func (e *SignalEnvelope) DecodePayload(v interface{}) error {
	if len(e.Payload) == 0 || string(e.Payload) == "null" {
		return fmt.Errorf("%w: empty %s payload", ErrInvalidEnvelope, e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	return nil
}
