// Package ids generates run and record identifiers.
package ids

import (
	"crypto/rand"
	"fmt"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"github.com/segmentio/ksuid"
)

// Strategy selects the identifier format.
type Strategy string

// Supported strategies. Both sort by creation time.
const (
	StrategyKSUID  Strategy = "ksuid"
	StrategyUUIDv7 Strategy = "uuidv7"
)

// ParseStrategy parses a strategy name; empty means ksuid.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case "", StrategyKSUID:
		return StrategyKSUID, nil
	case StrategyUUIDv7:
		return StrategyUUIDv7, nil
	default:
		return "", fmt.Errorf("unknown id strategy %q (want ksuid or uuidv7)", s)
	}
}

// Generator returns a function producing run IDs for the strategy.
func Generator(s Strategy) func() string {
	switch s {
	case StrategyUUIDv7:
		return func() string {
			id, err := uuid.NewV7()
			if err != nil {
				return uuid.NewString()
			}
			return id.String()
		}
	default:
		return NewRunID
	}
}

// NewRunID returns a time-sortable run identifier.
func NewRunID() string {
	return ksuid.New().String()
}

const alphanumeric = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// ShortID returns a 6-character alphanumeric string using cryptographic randomness.
func ShortID() (string, error) {
	bytes := make([]byte, 6)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}

	for i := range bytes {
		bytes[i] = alphanumeric[int(bytes[i])%len(alphanumeric)]
	}

	return string(bytes), nil
}

// SafeName turns a task ID into a single path element. Letters, digits, dots,
// hyphens and underscores are kept; anything else becomes a hyphen.
func SafeName(s string) string {
	var result strings.Builder
	for _, r := range s {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '.' || r == '_' || r == '-':
			result.WriteRune(r)
		default:
			result.WriteRune('-')
		}
	}

	str := strings.Trim(result.String(), ".-")
	if str == "" {
		return "_"
	}
	return str
}
