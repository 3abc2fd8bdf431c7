package middleware

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// SanitizeString removes control characters and trims whitespace
func SanitizeString(s string) string {
	s = strings.Map(func(r rune) rune {
		if r < 32 && r != '\n' && r != '\t' {
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(s)
}

// ValidateScanID checks that id is a UUID as allocated by the store.
func ValidateScanID(id string) error {
	if id == "" {
		return fmt.Errorf("scan ID cannot be empty")
	}
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("invalid scan ID format")
	}
	return nil
}

// ParseLimit reads a limit query value. Empty means def; values are
// clamped to [1, max].
func ParseLimit(raw string, def, max int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("limit must be a number")
	}
	if n < 1 {
		return 1, nil
	}
	if n > max {
		return max, nil
	}
	return n, nil
}
