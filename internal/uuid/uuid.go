// Package uuid generates the opaque identifiers used by the sync core.
package uuid

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// DeviceIDPrefix starts every device identity.
const DeviceIDPrefix = "device_"

var uuidV4Regex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-4[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// New generates a new UUID v4.
func New() string {
	return uuid.New().String()
}

// NewDeviceID generates a device identity of the form device_<uuid>.
func NewDeviceID() string {
	return DeviceIDPrefix + New()
}

// IsValid checks if a string is a valid UUID v4.
func IsValid(s string) bool {
	return uuidV4Regex.MatchString(s)
}

// ParseDeviceID returns the UUID inside a device identity.
func ParseDeviceID(s string) (uuid.UUID, error) {
	rest, ok := strings.CutPrefix(s, DeviceIDPrefix)
	if !ok {
		return uuid.Nil, fmt.Errorf("device id %q lacks %q prefix", s, DeviceIDPrefix)
	}
	if !IsValid(rest) {
		return uuid.Nil, fmt.Errorf("invalid UUID v4 in device id: %q", s)
	}
	return uuid.Parse(rest)
}

// IsDeviceID reports whether s is a well-formed device identity.
func IsDeviceID(s string) bool {
	_, err := ParseDeviceID(s)
	return err == nil
}
