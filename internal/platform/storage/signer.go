package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"cloud.google.com/go/storage"
	"golang.org/x/oauth2/google"
)

// Signer signs URL payloads out of process, for example through the IAM
// credentials API when no key file is mounted.
type Signer interface {
	Email() string
	SignBytes(ctx context.Context, payload []byte) ([]byte, error)
}

// ServiceAccountKey is the identity and PEM key read from a service account
// JSON file. The storage SDK signs with it directly.
type ServiceAccountKey struct {
	Email      string
	PrivateKey []byte
}

// ParseServiceAccountKey extracts the signing identity from key file contents.
func ParseServiceAccountKey(data []byte) (ServiceAccountKey, error) {
	if len(data) == 0 {
		return ServiceAccountKey{}, errors.New("storage: service account JSON is empty")
	}
	cfg, err := google.JWTConfigFromJSON(data, storage.ScopeReadOnly)
	if err != nil {
		return ServiceAccountKey{}, fmt.Errorf("storage: decode service account json: %w", err)
	}
	if strings.TrimSpace(cfg.Email) == "" || len(cfg.PrivateKey) == 0 {
		return ServiceAccountKey{}, errors.New("storage: service account JSON lacks client_email or private_key")
	}
	return ServiceAccountKey{Email: cfg.Email, PrivateKey: cfg.PrivateKey}, nil
}

// LoadServiceAccountKey reads and parses a key file from disk.
func LoadServiceAccountKey(path string) (ServiceAccountKey, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return ServiceAccountKey{}, fmt.Errorf("storage: read service account file: %w", err)
	}
	return ParseServiceAccountKey(contents)
}
