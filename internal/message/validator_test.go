package message

import (
	"errors"
	"strings"
	"testing"
)

func testLog() *Log {
	return NewLog(nil, nil, DefaultConfig())
}

func TestValidateText(t *testing.T) {
	l := testLog()
	if err := l.validateContent("hello", TypeText, ""); err != nil {
		t.Errorf("plain text should validate: %v", err)
	}
}

func TestValidateEmptyText(t *testing.T) {
	l := testLog()
	err := l.validateContent("", TypeText, "")
	if !errors.Is(err, ErrInvalidContent) {
		t.Fatalf("expected ErrInvalidContent, got %v", err)
	}
}

func TestValidateImageRequiresFileRef(t *testing.T) {
	l := testLog()

	if err := l.validateContent("", TypeImage, "https://cdn/img.png"); err != nil {
		t.Errorf("image with file ref should validate without text: %v", err)
	}
	if err := l.validateContent("caption", TypeFile, "https://cdn/doc.pdf"); err != nil {
		t.Errorf("file with caption should validate: %v", err)
	}
	if err := l.validateContent("", TypeImage, ""); !errors.Is(err, ErrInvalidContent) {
		t.Errorf("image without file ref should fail, got %v", err)
	}
}

func TestValidateUnknownType(t *testing.T) {
	l := testLog()
	if err := l.validateContent("x", "sticker", ""); !errors.Is(err, ErrInvalidContent) {
		t.Errorf("unknown type should fail, got %v", err)
	}
}

func TestValidateOversized(t *testing.T) {
	l := testLog()

	tooManyBytes := strings.Repeat("a", l.cfg.MaxTextBytes+1)
	if err := l.validateContent(tooManyBytes, TypeText, ""); !errors.Is(err, ErrInvalidContent) {
		t.Errorf("oversized bytes should fail, got %v", err)
	}

	// Multibyte runes: under the byte limit but over the character limit.
	tooManyChars := strings.Repeat("é", l.cfg.MaxTextChars+1)
	if len(tooManyChars) <= l.cfg.MaxTextBytes {
		if err := l.validateContent(tooManyChars, TypeText, ""); !errors.Is(err, ErrInvalidContent) {
			t.Errorf("oversized characters should fail, got %v", err)
		}
	}
}

func TestValidateInvalidUTF8(t *testing.T) {
	l := testLog()
	if err := l.validateContent("ok\xff\xfe", TypeText, ""); !errors.Is(err, ErrInvalidContent) {
		t.Errorf("invalid UTF-8 should fail, got %v", err)
	}
}
