// Package util provides utility functions for the FunnelPipe application.
package util

import (
	"math/rand/v2"
	"strings"
	"time"
)

// GenerateRandomID generates a random ID with the specified prefix and hex length.
// The returned ID will be in the format: "{prefix}{hex_string}".
func GenerateRandomID(prefix string, hexLength int) string {
	return prefix + GenerateRandomHex(hexLength)
}

// GenerateRandomHex generates a random hexadecimal string of the specified length.
// Uses math/rand/v2; not for cryptographic purposes.
func GenerateRandomHex(length int) string {
	if length <= 0 {
		return ""
	}

	const hexChars = "0123456789abcdef"
	var builder strings.Builder
	builder.Grow(length)

	for i := 0; i < length; i++ {
		builder.WriteByte(hexChars[rand.IntN(16)])
	}

	return builder.String()
}

// RandomDuration returns a uniformly distributed duration in [min, max].
// If max <= min, min is returned.
func RandomDuration(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int64N(int64(max-min)+1))
}

// GenerateOutcomeID generates a unique dispatch outcome ID with "o_" prefix.
func GenerateOutcomeID() string {
	return GenerateRandomID("o_", 32)
}

// GenerateAttemptID generates a unique provider attempt ID with "a_" prefix.
func GenerateAttemptID() string {
	return GenerateRandomID("a_", 32)
}
