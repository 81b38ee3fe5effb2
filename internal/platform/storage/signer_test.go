package storage

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func serviceAccountJSON(t *testing.T, email string) []byte {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	block := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	data, err := json.Marshal(map[string]string{
		"type":           "service_account",
		"client_email":   email,
		"private_key":    string(block),
		"private_key_id": "k1",
		"token_uri":      "https://oauth2.googleapis.com/token",
	})
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	return data
}

func TestLoadServiceAccountKeySignsURLs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key.json")
	if err := os.WriteFile(path, serviceAccountJSON(t, "renders@dyno.iam.gserviceaccount.com"), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}

	key, err := LoadServiceAccountKey(path)
	if err != nil {
		t.Fatalf("LoadServiceAccountKey: %v", err)
	}
	if key.Email != "renders@dyno.iam.gserviceaccount.com" || len(key.PrivateKey) == 0 {
		t.Fatalf("unexpected key %+v", key.Email)
	}

	client, err := NewKeyClient(key)
	if err != nil {
		t.Fatalf("NewKeyClient: %v", err)
	}
	res, err := client.SignedDownloadURL(context.Background(), "dyno-renders", "renders/t1/r1/slide.png", DownloadOptions{ExpiresIn: time.Minute})
	if err != nil {
		t.Fatalf("SignedDownloadURL: %v", err)
	}
	parsed, err := url.Parse(res.URL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	if parsed.Query().Get("X-Goog-Signature") == "" {
		t.Fatalf("expected signature in %s", res.URL)
	}
}

func TestParseServiceAccountKeyRejectsBadInput(t *testing.T) {
	if _, err := ParseServiceAccountKey(nil); err == nil {
		t.Fatalf("expected error for empty input")
	}
	if _, err := ParseServiceAccountKey([]byte(`{"type":"service_account"`)); err == nil {
		t.Fatalf("expected error for truncated json")
	}
	if _, err := NewKeyClient(ServiceAccountKey{Email: "a@b"}); !errors.Is(err, errNoSigner) {
		t.Fatalf("expected errNoSigner, got %v", err)
	}
}
