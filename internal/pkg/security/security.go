// Package security provides input validation and log sanitization for
// values that originate from clients: user identifiers, channel names,
// and event types.
package security

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Validation limits for client-supplied identifiers.
const (
	MaxUserIDLength    = 128
	MaxChannelLength   = 128
	MaxEventTypeLength = 128

	// MaxLogValueLength caps untrusted strings written to logs.
	MaxLogValueLength = 200
)

// ValidationError represents a field validation error.
type ValidationError struct {
	Field      string
	Value      interface{}
	Constraint string
}

func (e *ValidationError) Error() string {
	if e.Value != nil {
		return fmt.Sprintf("validation failed for %s: %s (got: %v)", e.Field, e.Constraint, e.Value)
	}
	return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Constraint)
}

// identifierRegex matches channel names and event types: alphanumeric
// segments joined by dots, colons, hyphens, or underscores, starting
// with an alphanumeric character.
var identifierRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._:-]*$`)

// userIDRegex matches user identifiers: alphanumeric plus hyphen,
// underscore, dot, and @ for email-shaped IDs.
var userIDRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._@-]*$`)

// ValidateUserID validates a client-supplied user identifier.
// Empty is allowed; anonymous connections carry no identity.
func ValidateUserID(userID string) error {
	if userID == "" {
		return nil
	}
	if len(userID) > MaxUserIDLength {
		return &ValidationError{
			Field:      "user_id",
			Value:      len(userID),
			Constraint: fmt.Sprintf("maximum length is %d characters", MaxUserIDLength),
		}
	}
	if !userIDRegex.MatchString(userID) {
		return &ValidationError{
			Field:      "user_id",
			Constraint: "must be alphanumeric with . _ @ - separators",
		}
	}
	return nil
}

// ValidateChannel validates a subscription channel name.
func ValidateChannel(channel string) error {
	return validateIdentifier("channel", channel, MaxChannelLength)
}

// ValidateEventType validates a sync event type.
func ValidateEventType(eventType string) error {
	return validateIdentifier("type", eventType, MaxEventTypeLength)
}

func validateIdentifier(field, value string, maxLen int) error {
	if value == "" {
		return &ValidationError{
			Field:      field,
			Constraint: "required",
		}
	}
	if len(value) > maxLen {
		return &ValidationError{
			Field:      field,
			Value:      len(value),
			Constraint: fmt.Sprintf("maximum length is %d characters", maxLen),
		}
	}
	if !utf8.ValidString(value) {
		return &ValidationError{
			Field:      field,
			Constraint: "must be valid UTF-8",
		}
	}
	if !identifierRegex.MatchString(value) {
		return &ValidationError{
			Field:      field,
			Constraint: "must be alphanumeric with . : _ - separators",
		}
	}
	return nil
}

// SanitizeForLog makes an untrusted string safe to write to logs.
// It prevents log injection by escaping newlines, dropping other
// control characters, and truncating to MaxLogValueLength.
func SanitizeForLog(s string) string {
	return SanitizeForLogWithLength(s, MaxLogValueLength)
}

// SanitizeForLogWithLength sanitizes a string for logging with a custom max length.
func SanitizeForLogWithLength(s string, maxLen int) string {
	if s == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(s))

	count := 0
	for _, r := range s {
		if count >= maxLen {
			b.WriteString("...")
			break
		}

		switch r {
		case '\n':
			b.WriteString("\\n")
			count += 2
		case '\r':
			b.WriteString("\\r")
			count += 2
		case '\t':
			b.WriteString("\\t")
			count += 2
		default:
			if !unicode.IsControl(r) || r == ' ' {
				b.WriteRune(r)
				count++
			}
		}
	}

	return b.String()
}
