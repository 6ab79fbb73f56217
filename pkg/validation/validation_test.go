package validation

import (
	"strings"
	"testing"
)

func TestValidateStreamID(t *testing.T) {
	tests := []struct {
		name     string
		streamID string
		wantErr  bool
	}{
		{"valid", "stream-123_abc", false},
		{"empty", "", true},
		{"mqtt wildcard", "stream/#", true},
		{"redis separator", "stream:1", true},
		{"too long", strings.Repeat("a", 101), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateStreamID(tt.streamID)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateStreamID() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidatePeerID(t *testing.T) {
	tests := []struct {
		name    string
		peerID  string
		wantErr bool
	}{
		{"valid", "peer_abc123", false},
		{"email like", "alice@example.com", false},
		{"empty", "", true},
		{"space", "peer 1", true},
		{"too long", strings.Repeat("p", 101), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePeerID(tt.peerID)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidatePeerID() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateRelayURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"ws", "ws://localhost:8081/ws", false},
		{"wss", "wss://relay.example.com/ws", false},
		{"http", "http://localhost:8081/ws", true},
		{"no host", "ws:///ws", true},
		{"empty", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRelayURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateRelayURL() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
