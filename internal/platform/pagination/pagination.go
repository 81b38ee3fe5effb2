// Package pagination parses list query parameters and encodes the opaque
// cursor tokens handed back to clients.
package pagination

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultPageSize applies when the client omits pageSize.
	DefaultPageSize = 20
	// DefaultMaxPageSize caps pageSize when a handler sets no limit of its own.
	DefaultMaxPageSize = 100
)

var (
	ErrInvalidPageSize  = errors.New("pagination: invalid pageSize")
	ErrInvalidPageToken = errors.New("pagination: invalid pageToken")
)

// Params are the normalised paging values of a list request.
type Params struct {
	PageSize  int
	PageToken string
}

// Options bound the page size for one handler.
type Options struct {
	DefaultPageSize int
	MaxPageSize     int
}

// FromRequest reads pageSize and pageToken. Oversized pages are clamped; a
// token that does not decode is rejected here so handlers can answer 400
// before touching storage.
func FromRequest(r *http.Request, opts Options) (Params, error) {
	if r == nil {
		return Params{}, errors.New("pagination: nil request")
	}
	query := r.URL.Query()

	size, err := pageSize(query.Get("pageSize"), opts)
	if err != nil {
		return Params{}, err
	}
	token := strings.TrimSpace(query.Get("pageToken"))
	if _, _, err := DecodeUpdatedToken(token); err != nil {
		return Params{}, err
	}
	return Params{PageSize: size, PageToken: token}, nil
}

func pageSize(raw string, opts Options) (int, error) {
	limit := opts.MaxPageSize
	if limit <= 0 {
		limit = DefaultMaxPageSize
	}
	fallback := opts.DefaultPageSize
	if fallback <= 0 {
		fallback = DefaultPageSize
	}
	fallback = min(fallback, limit)

	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: must be an integer", ErrInvalidPageSize)
	}
	if value <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidPageSize)
	}
	return min(value, limit), nil
}

// updatedCursor is the token payload for listings ordered by update time then
// document id.
type updatedCursor struct {
	UpdatedAt string `json:"updatedAt"`
	ID        string `json:"id"`
}

// EncodeUpdatedToken returns the token resuming a listing after the item with
// the given update time and id.
func EncodeUpdatedToken(updatedAt time.Time, id string) string {
	data, err := json.Marshal(updatedCursor{UpdatedAt: updatedAt.UTC().Format(time.RFC3339Nano), ID: id})
	if err != nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(data)
}

// DecodeUpdatedToken reverses EncodeUpdatedToken. An empty token yields a zero
// time and empty id.
func DecodeUpdatedToken(token string) (time.Time, string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return time.Time{}, "", nil
	}
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	var cursor updatedCursor
	if err := json.Unmarshal(data, &cursor); err != nil {
		return time.Time{}, "", fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	if strings.TrimSpace(cursor.ID) == "" {
		return time.Time{}, "", fmt.Errorf("%w: cursor id is missing", ErrInvalidPageToken)
	}
	ts, err := time.Parse(time.RFC3339Nano, cursor.UpdatedAt)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	return ts, cursor.ID, nil
}
