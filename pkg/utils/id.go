package utils

import (
	"strings"

	"github.com/google/uuid"
)

// GenerateID returns prefix_<uuid without dashes>.
func GenerateID(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}

func GenerateSessionID() string {
	return uuid.NewString()
}

func GeneratePeerID() string {
	return GenerateID("peer")
}

func GenerateSubscriptionID() string {
	return GenerateID("sub")
}

func GenerateRequestID() string {
	return GenerateID("req")
}
