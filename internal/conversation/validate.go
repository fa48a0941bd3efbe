package conversation

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/foodfast/realtime/internal/apperr"
)

const (
	MaxMessageBytes = 4096 // 4KB max frame size
	MaxTextChars    = 2000 // max character count
	MaxSubjectChars = 200
)

// ValidateContent checks that a chat message meets content requirements.
func ValidateContent(text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("message cannot be empty: %w", apperr.ErrInvalidInput)
	}
	if len(text) > MaxMessageBytes {
		return fmt.Errorf("message exceeds %d byte limit: %w", MaxMessageBytes, apperr.ErrInvalidInput)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("message contains invalid UTF-8: %w", apperr.ErrInvalidInput)
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("message exceeds %d character limit: %w", MaxTextChars, apperr.ErrInvalidInput)
	}
	return nil
}

func validateSubject(s string) error {
	if utf8.RuneCountInString(s) > MaxSubjectChars {
		return fmt.Errorf("subject exceeds %d character limit: %w", MaxSubjectChars, apperr.ErrInvalidInput)
	}
	return nil
}
