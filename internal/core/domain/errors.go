package domain

import "errors"

var (
	ErrTransportUnavailable   = errors.New("signaling transport unavailable")
	ErrMediaAcquisitionFailed = errors.New("media acquisition failed")
	ErrNegotiationStalled     = errors.New("negotiation stalled")
	ErrPresenceWriteFailed    = errors.New("presence write failed")

	ErrSessionNotFound     = errors.New("session not found")
	ErrSessionEnded        = errors.New("session ended")
	ErrInvalidTransition   = errors.New("invalid state transition")
	ErrPeerCapacityReached = errors.New("peer capacity reached")
	ErrInvalidEnvelope     = errors.New("invalid signal envelope")
	ErrMixingUnavailable   = errors.New("audio mixing unavailable")
	ErrNoDevices           = errors.New("no capture devices")
	ErrNotHost             = errors.New("operation requires the host role")
	ErrMediaNotReady       = errors.New("local media not acquired")
)
