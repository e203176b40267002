package message

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Cursor is an opaque pagination position: the (created_at, id) pair of the
// oldest message the client already has.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Encode renders the cursor as the wire string handed to clients.
func (c Cursor) Encode() string {
	return strconv.FormatInt(c.CreatedAt.UnixNano(), 10) + ":" + c.ID
}

// DecodeCursor parses a wire cursor. An empty string yields a nil cursor
// (first page).
func DecodeCursor(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	nanos, id, ok := strings.Cut(s, ":")
	if !ok || id == "" {
		return nil, fmt.Errorf("message: malformed cursor %q", s)
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("message: malformed cursor %q: %w", s, err)
	}
	return &Cursor{CreatedAt: time.Unix(0, n), ID: id}, nil
}
