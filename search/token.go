package search

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// cursorTTL is how long a continuation token stays usable.
const cursorTTL = time.Hour

var (
	// ErrBadToken means the token is garbage: wrong encoding, wrong
	// compression, or wrong shape.
	ErrBadToken = errors.New("malformed continuation token")
	// ErrExpiredToken means the token parsed but is past its TTL.
	ErrExpiredToken = errors.New("continuation token expired")
)

// Cursor is the state a continuation token carries between pages.
type Cursor struct {
	ProjectID       string    `json:"projectId"`
	Query           string    `json:"query"`
	Weight          float64   `json:"weight"`
	TokensRemaining int       `json:"tokensRemaining"`
	LastChunkID     string    `json:"lastChunkId"`
	CreatedAt       time.Time `json:"createdAt"`
	Page            int       `json:"page"`
}

// EncodeCursor serializes a cursor to the opaque wire form:
// base64(gzip(JSON)).
func EncodeCursor(c Cursor) (string, error) {
	payload, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to serialize cursor: %w", err)
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(payload); err != nil {
		return "", fmt.Errorf("failed to compress cursor: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("failed to compress cursor: %w", err)
	}

	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// DecodeCursor parses an opaque token. Garbage input yields ErrBadToken,
// a stale token yields ErrExpiredToken; it never panics.
func DecodeCursor(token string) (*Cursor, error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return nil, ErrBadToken
	}

	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, ErrBadToken
	}
	defer zr.Close()

	var c Cursor
	if err := json.NewDecoder(zr).Decode(&c); err != nil {
		return nil, ErrBadToken
	}
	if c.ProjectID == "" || c.CreatedAt.IsZero() {
		return nil, ErrBadToken
	}
	if time.Since(c.CreatedAt) > cursorTTL {
		return nil, ErrExpiredToken
	}
	return &c, nil
}
