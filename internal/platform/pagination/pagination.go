package pagination

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultPageSize is used when the client omits pageSize.
	DefaultPageSize = 50
	// MaxPageSize caps pageSize to prevent unbounded queries.
	MaxPageSize = 100
)

// ErrInvalidPageToken reports a token that was not produced by EncodeCursor.
var ErrInvalidPageToken = errors.New("pagination: invalid page token")

// Cursor positions a createdAt-descending listing after a document.
type Cursor struct {
	CreatedAt time.Time `json:"t"`
	ID        string    `json:"id"`
}

// Params are the paging inputs parsed from a query string.
type Params struct {
	PageSize  int
	PageToken string
}

// EncodeCursor serialises the cursor into a URL-safe page token.
func EncodeCursor(cursor Cursor) (string, error) {
	if cursor.ID == "" {
		return "", nil
	}
	data, err := json.Marshal(cursor)
	if err != nil {
		return "", fmt.Errorf("pagination: encode token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodeCursor parses a token produced by EncodeCursor. An empty token yields a zero cursor.
func DecodeCursor(token string) (Cursor, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Cursor{}, nil
	}
	decoded, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	var cursor Cursor
	if err := json.Unmarshal(decoded, &cursor); err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	if cursor.ID == "" {
		return Cursor{}, fmt.Errorf("%w: missing document id", ErrInvalidPageToken)
	}
	return cursor, nil
}

// ClampPageSize applies the default and the maximum.
func ClampPageSize(size int) int {
	if size <= 0 {
		return DefaultPageSize
	}
	if size > MaxPageSize {
		return MaxPageSize
	}
	return size
}

// Parse reads pageSize and pageToken. The token is validated but left encoded.
func Parse(values url.Values) (Params, error) {
	params := Params{PageSize: DefaultPageSize}
	if raw := strings.TrimSpace(values.Get("pageSize")); raw != "" {
		size, err := strconv.Atoi(raw)
		if err != nil || size <= 0 {
			return Params{}, fmt.Errorf("pagination: pageSize must be a positive integer")
		}
		params.PageSize = ClampPageSize(size)
	}
	params.PageToken = strings.TrimSpace(values.Get("pageToken"))
	if _, err := DecodeCursor(params.PageToken); err != nil {
		return Params{}, err
	}
	return params, nil
}
