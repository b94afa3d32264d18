// Package uuid generates and validates entity and device identifiers.
package uuid

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// New generates a new UUID v4.
func New() string {
	return uuid.New().String()
}

// Ensure returns id unchanged unless it is blank, in which case a new
// UUID v4 is generated.
func Ensure(id string) string {
	if strings.TrimSpace(id) == "" {
		return New()
	}
	return id
}

// IsValid checks if a string is a canonical, dashed UUID v4.
func IsValid(s string) bool {
	if len(s) != 36 {
		return false
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return false
	}
	return id.Version() == 4 && id.Variant() == uuid.RFC4122
}

// Validate returns an error if the string is not a valid UUID v4.
func Validate(s string) error {
	if !IsValid(s) {
		return fmt.Errorf("invalid UUID v4 format: %q", s)
	}
	return nil
}

// DeviceID returns configured when set, otherwise a stable id derived from
// host so that restarts of the same installation keep their device id.
func DeviceID(configured, host string) string {
	if configured != "" {
		return configured
	}
	if host == "" {
		return New()
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("offlinesync:"+host)).String()
}
