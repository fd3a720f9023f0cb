package engine

import (
	"fmt"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 4096 // max encoded size
	MaxTextChars    = 2000 // max character count
)

// validateText checks message content requirements. Violations are
// reported as ErrInvalidMessage.
func validateText(text string) error {
	if len(text) == 0 {
		return fmt.Errorf("%w: text is empty", ErrInvalidMessage)
	}
	if len(text) > MaxMessageBytes {
		return fmt.Errorf("%w: text exceeds %d byte limit", ErrInvalidMessage, MaxMessageBytes)
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("%w: text exceeds %d character limit", ErrInvalidMessage, MaxTextChars)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("%w: text contains invalid UTF-8", ErrInvalidMessage)
	}
	return nil
}
