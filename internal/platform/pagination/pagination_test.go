package pagination

import (
	"errors"
	"net/url"
	"testing"
	"time"
)

func TestParseDefaults(t *testing.T) {
	params, err := Parse(url.Values{})
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if params.PageSize != DefaultPageSize {
		t.Fatalf("expected default page size %d got %d", DefaultPageSize, params.PageSize)
	}
	if params.PageToken != "" {
		t.Fatalf("expected empty page token got %q", params.PageToken)
	}
}

func TestParsePageSize(t *testing.T) {
	values := url.Values{}
	values.Set("pageSize", "30")
	params, err := Parse(values)
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if params.PageSize != 30 {
		t.Fatalf("expected page size 30 got %d", params.PageSize)
	}

	values.Set("pageSize", "400")
	params, err = Parse(values)
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if params.PageSize != MaxPageSize {
		t.Fatalf("expected page size clamped to %d got %d", MaxPageSize, params.PageSize)
	}

	values.Set("pageSize", "abc")
	if _, err := Parse(values); err == nil {
		t.Fatalf("expected error for invalid page size")
	}
}

func TestCursorRoundTrip(t *testing.T) {
	cursor := Cursor{CreatedAt: time.Date(2025, 5, 1, 9, 30, 0, 0, time.UTC), ID: "ord_123"}
	token, err := EncodeCursor(cursor)
	if err != nil {
		t.Fatalf("EncodeCursor: %v", err)
	}
	decoded, err := DecodeCursor(token)
	if err != nil {
		t.Fatalf("DecodeCursor: %v", err)
	}
	if decoded.ID != cursor.ID || !decoded.CreatedAt.Equal(cursor.CreatedAt) {
		t.Fatalf("expected %+v, got %+v", cursor, decoded)
	}

	values := url.Values{}
	values.Set("pageToken", "not-a-token")
	if _, err := Parse(values); !errors.Is(err, ErrInvalidPageToken) {
		t.Fatalf("expected ErrInvalidPageToken, got %v", err)
	}
}
