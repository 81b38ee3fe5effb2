package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/storage"
)

const (
	defaultSignedURLExpiry = 15 * time.Minute
	maxSignedURLExpiry     = 7 * 24 * time.Hour
)

var (
	errNoSigner       = errors.New("storage: signer is required")
	errInvalidBucket  = errors.New("storage: bucket name is required")
	errInvalidObject  = errors.New("storage: object name is required")
	errExpiryTooLong  = errors.New("storage: expiry exceeds permitted maximum")
	errMethodNotValid = errors.New("storage: only GET and HEAD can be signed")
)

// Client signs download URLs for rendered objects in private buckets.
type Client struct {
	accessID   string
	privateKey []byte
	signer     Signer
	scheme     storage.SigningScheme
	now        func() time.Time
}

// ClientOption customises client behaviour.
type ClientOption func(*Client)

// WithSigningScheme overrides the signing scheme (defaults to V4).
func WithSigningScheme(scheme storage.SigningScheme) ClientOption {
	return func(c *Client) {
		if scheme != 0 {
			c.scheme = scheme
		}
	}
}

// WithClock injects a custom clock.
func WithClock(clock func() time.Time) ClientOption {
	return func(c *Client) {
		if clock != nil {
			c.now = clock
		}
	}
}

// NewClient constructs a client that delegates signing to signer.
func NewClient(signer Signer, opts ...ClientOption) (*Client, error) {
	if signer == nil || strings.TrimSpace(signer.Email()) == "" {
		return nil, errNoSigner
	}
	return newClient(&Client{accessID: signer.Email(), signer: signer}, opts), nil
}

// NewKeyClient constructs a client that signs locally with a service account key.
func NewKeyClient(key ServiceAccountKey, opts ...ClientOption) (*Client, error) {
	if strings.TrimSpace(key.Email) == "" || len(key.PrivateKey) == 0 {
		return nil, errNoSigner
	}
	return newClient(&Client{accessID: key.Email, privateKey: key.PrivateKey}, opts), nil
}

func newClient(c *Client, opts []ClientOption) *Client {
	c.scheme = storage.SigningSchemeV4
	c.now = time.Now
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// DownloadOptions control the signed response.
type DownloadOptions struct {
	Method       string
	ExpiresIn    time.Duration
	Disposition  string
	ResponseType string
}

// SignedURLResult describes the generated signed URL.
type SignedURLResult struct {
	URL       string
	Method    string
	ExpiresAt time.Time
}

// SignedDownloadURL creates a time-limited GET (or HEAD) URL for an object.
func (c *Client) SignedDownloadURL(ctx context.Context, bucket, object string, opts DownloadOptions) (SignedURLResult, error) {
	if c == nil {
		return SignedURLResult{}, errNoSigner
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return SignedURLResult{}, errInvalidBucket
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return SignedURLResult{}, errInvalidObject
	}

	method := strings.ToUpper(strings.TrimSpace(opts.Method))
	if method == "" {
		method = "GET"
	}
	if method != "GET" && method != "HEAD" {
		return SignedURLResult{}, errMethodNotValid
	}
	expiry := opts.ExpiresIn
	if expiry <= 0 {
		expiry = defaultSignedURLExpiry
	}
	if expiry > maxSignedURLExpiry {
		return SignedURLResult{}, errExpiryTooLong
	}

	expiresAt := c.now().Add(expiry)
	urlOpts := &storage.SignedURLOptions{
		GoogleAccessID: c.accessID,
		Scheme:         c.scheme,
		Method:         method,
		Expires:        expiresAt,
	}
	if c.signer != nil {
		urlOpts.SignBytes = func(payload []byte) ([]byte, error) {
			return c.signer.SignBytes(ctx, payload)
		}
	} else {
		urlOpts.PrivateKey = c.privateKey
	}
	query := make(map[string][]string)
	if opts.Disposition != "" {
		query["response-content-disposition"] = []string{opts.Disposition}
	}
	if opts.ResponseType != "" {
		query["response-content-type"] = []string{opts.ResponseType}
	}
	if len(query) > 0 {
		urlOpts.QueryParameters = query
	}

	signed, err := storage.SignedURL(bucket, object, urlOpts)
	if err != nil {
		return SignedURLResult{}, fmt.Errorf("storage: sign download url: %w", err)
	}
	return SignedURLResult{URL: signed, Method: method, ExpiresAt: expiresAt}, nil
}
