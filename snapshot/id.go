package snapshot

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// generateID returns a fresh snapshot id: "cr_" + 8 random hex chars.
// Total order is not implied by the id; timestamp is authoritative for
// ordering.
func generateID() (string, error) {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("snapshot: generate id: %w", err)
	}
	return "cr_" + hex.EncodeToString(buf), nil
}
