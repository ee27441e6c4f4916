// Package assets mints short-lived download links for paid assets.
//
// Two signers are provided: GCSSigner issues V4 signed URLs against a private
// Cloud Storage bucket, and LocalSigner issues HMAC tokens redeemed by the
// gateway's own download handler for single-node deployments.
package assets

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"golang.org/x/oauth2/google"
)

// DefaultTTL bounds how long an issued link stays valid.
const DefaultTTL = 10 * time.Minute

// maxV4TTL is the longest expiry Cloud Storage accepts for V4 signatures.
const maxV4TTL = 7 * 24 * time.Hour

// Signer mints a time-boxed URL for object.
type Signer interface {
	SignedURL(ctx context.Context, object string, ttl time.Duration) (url string, expiresAt time.Time, err error)
}

// GCSCredentials is the service account identity used to sign URLs.
type GCSCredentials struct {
	Email      string
	PrivateKey []byte
}

// LoadGCSCredentials reads a service account JSON key file.
func LoadGCSCredentials(path string) (GCSCredentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return GCSCredentials{}, fmt.Errorf("read gcs credentials: %w", err)
	}
	return ParseGCSCredentials(data)
}

// ParseGCSCredentials extracts the signing identity from a service account
// JSON key.
func ParseGCSCredentials(data []byte) (GCSCredentials, error) {
	cfg, err := google.JWTConfigFromJSON(data)
	if err != nil {
		return GCSCredentials{}, fmt.Errorf("parse gcs credentials: %w", err)
	}
	if strings.TrimSpace(cfg.Email) == "" || len(cfg.PrivateKey) == 0 {
		return GCSCredentials{}, fmt.Errorf("parse gcs credentials: client_email and private_key are required")
	}
	return GCSCredentials{Email: cfg.Email, PrivateKey: cfg.PrivateKey}, nil
}

// GCSSigner signs V4 GET URLs for objects in one bucket.
type GCSSigner struct {
	bucket string
	creds  GCSCredentials
	now    func() time.Time
}

// NewGCSSigner returns a signer for bucket.
func NewGCSSigner(bucket string, creds GCSCredentials) *GCSSigner {
	return &GCSSigner{bucket: bucket, creds: creds, now: time.Now}
}

// SignedURL implements Signer.
func (s *GCSSigner) SignedURL(_ context.Context, object string, ttl time.Duration) (string, time.Time, error) {
	object = strings.TrimPrefix(strings.TrimSpace(object), "/")
	if object == "" {
		return "", time.Time{}, fmt.Errorf("sign url: object is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if ttl > maxV4TTL {
		ttl = maxV4TTL
	}
	expires := s.now().Add(ttl)
	u, err := storage.SignedURL(s.bucket, object, &storage.SignedURLOptions{
		GoogleAccessID: s.creds.Email,
		PrivateKey:     s.creds.PrivateKey,
		Method:         "GET",
		Expires:        expires,
		Scheme:         storage.SigningSchemeV4,
	})
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign gcs url for %s: %w", object, err)
	}
	return u, expires, nil
}
