package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// MigrationRecord is one versioned schema change in the target database.
// Statements must be written so re-application is a no-op (IF NOT EXISTS
// guards, ON CONFLICT DO NOTHING inserts).
type MigrationRecord struct {
	ID          string
	Description string
	Statements  []string
	Checksum    string
	AppliedAt   time.Time
}

// ComputeChecksum derives the content hash for the record's statements.
func (m MigrationRecord) ComputeChecksum() string {
	h := sha256.New()
	h.Write([]byte(strings.Join(m.Statements, "\n")))
	return hex.EncodeToString(h.Sum(nil))
}
