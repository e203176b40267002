package message

import (
	"fmt"
	"unicode/utf8"
)

// validateContent checks that a message meets content requirements: text is
// required unless the message is an image or file carrying a file reference,
// and text must be well-formed UTF-8 within the configured limits.
func (l *Log) validateContent(content, msgType, fileRef string) error {
	switch msgType {
	case TypeText:
		if len(content) == 0 {
			return fmt.Errorf("%w: text is empty", ErrInvalidContent)
		}
	case TypeImage, TypeFile:
		if fileRef == "" {
			return fmt.Errorf("%w: %s message requires a file reference", ErrInvalidContent, msgType)
		}
	default:
		return fmt.Errorf("%w: unknown message type %q", ErrInvalidContent, msgType)
	}

	if len(content) > l.cfg.MaxTextBytes {
		return fmt.Errorf("%w: content exceeds %d byte limit", ErrInvalidContent, l.cfg.MaxTextBytes)
	}
	if utf8.RuneCountInString(content) > l.cfg.MaxTextChars {
		return fmt.Errorf("%w: content exceeds %d character limit", ErrInvalidContent, l.cfg.MaxTextChars)
	}
	if !utf8.ValidString(content) {
		return fmt.Errorf("%w: content contains invalid UTF-8", ErrInvalidContent)
	}
	return nil
}
