package utils

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestGenerateID(t *testing.T) {
	id1 := GenerateID("test")
	id2 := GenerateID("test")

	if id1 == id2 {
		t.Error("expected different IDs")
	}
	if !strings.HasPrefix(id1, "test_") {
		t.Errorf("expected prefix 'test_', got %s", id1)
	}
	if strings.Contains(strings.TrimPrefix(id1, "test_"), "-") {
		t.Errorf("expected no dashes in %s", id1)
	}
	if got := GenerateID(""); strings.Contains(got, "_") || len(got) != 32 {
		t.Errorf("expected bare 32 char id, got %s", got)
	}
}

func TestGenerateSessionID(t *testing.T) {
	id := GenerateSessionID()
	if _, err := uuid.Parse(id); err != nil {
		t.Errorf("expected a uuid, got %s: %v", id, err)
	}
}

func TestPrefixedGenerators(t *testing.T) {
	cases := map[string]func() string{
		"peer_": GeneratePeerID,
		"sub_":  GenerateSubscriptionID,
		"req_":  GenerateRequestID,
	}
	for prefix, gen := range cases {
		if id := gen(); !strings.HasPrefix(id, prefix) {
			t.Errorf("expected prefix %q, got %s", prefix, id)
		}
	}
}
