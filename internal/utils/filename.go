// Package utils provides utility functions for the backup service.
package utils

import (
	"fmt"
	"strings"
	"time"
)

// GenerationIDLayout is the time layout of a generation ID. IDs sort
// lexically in creation order.
const GenerationIDLayout = "20060102_150405"

// EncryptedSuffix marks the encrypted twin of a generation directory.
const EncryptedSuffix = ".enc"

// GenerateGenerationID creates a generation ID from a timestamp.
// Format: 20060102_150405 (UTC, second precision)
func GenerateGenerationID(timestamp time.Time) string {
	return timestamp.UTC().Format(GenerationIDLayout)
}

// ParseGenerationID extracts the creation time from a generation ID or from a
// directory name derived from one (backup_20060102_150405, 20060102_150405.enc).
func ParseGenerationID(name string) (time.Time, error) {
	id := strings.TrimSuffix(name, EncryptedSuffix)
	id = strings.TrimPrefix(id, "backup_")

	if len(id) != len(GenerationIDLayout) {
		return time.Time{}, fmt.Errorf("invalid generation id %q: wrong length", name)
	}

	t, err := time.Parse(GenerationIDLayout, id)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid generation id %q: %w", name, err)
	}
	return t.UTC(), nil
}

// IsGenerationID reports whether name is exactly a generation ID.
func IsGenerationID(name string) bool {
	if len(name) != len(GenerationIDLayout) {
		return false
	}
	_, err := time.Parse(GenerationIDLayout, name)
	return err == nil
}

// SanitizeName makes a Docker resource name safe to use as a path element.
func SanitizeName(name string) string {
	name = strings.TrimPrefix(name, "/")
	r := strings.NewReplacer("/", "_", "\\", "_", ":", "_", "..", "_")
	return r.Replace(name)
}
