package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// GenerateUUIDWithSuffix generates a UUID with a given module name as a prefix.
// This is useful for creating unique identifiers with context-specific prefixes,
// e.g. "bkg_<uuid>" for bookings or "veh_<uuid>" for vehicles.
func GenerateUUIDWithSuffix(module string) string {
	id := uuid.New()
	uuidStr := id.String()
	idWithSuffix := fmt.Sprintf("%s_%s", module, uuidStr)
	return idWithSuffix
}

// PayloadChecksum returns the hex-encoded SHA-256 hash of a raw entity payload.
// Snapshot staleness checks fall back to checksum comparison when neither side
// carries a version, so re-delivered identical payloads are recognized as such.
func PayloadChecksum(payload []byte) string {
	hash := sha256.Sum256(payload)
	return hex.EncodeToString(hash[:])
}
