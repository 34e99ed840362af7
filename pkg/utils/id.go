package utils

import (
	"fmt"

	"github.com/google/uuid"
)

// GenerateID generates a random ID with prefix.
func GenerateID(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, uuid.NewString())
}

// GenerateEnvelopeID generates a unique signaling envelope ID.
func GenerateEnvelopeID() string {
	return GenerateID("env")
}

// GenerateSessionID generates a unique session ID.
func GenerateSessionID() string {
	return GenerateID("session")
}

// GenerateDocumentID generates a unique store document ID.
func GenerateDocumentID() string {
	return uuid.NewString()
}
