package util

import (
	"regexp"
)

var (
	requestIDRegex = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)
	sourceRegex    = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)
)

// IsValidRequestID accepts the opaque ids the gateway assigns to pairing
// requests, as well as the uuids assigned here.
func IsValidRequestID(s string) bool {
	return requestIDRegex.MatchString(s)
}

func IsValidSource(s string) bool {
	return sourceRegex.MatchString(s)
}

func IsValidEnum(value string, validValues []string) bool {
	if value == "" {
		return true
	}
	for _, v := range validValues {
		if value == v {
			return true
		}
	}
	return false
}
