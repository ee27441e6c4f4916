package assets

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"
	"golang.org/x/crypto/hkdf"
)

const (
	linkKeyInfo  = "funnelgate-asset-link-v1"
	linkIssuer   = "funnelgate"
	linkAudience = "asset-download"
	// DownloadPath is where LocalSigner links are redeemed.
	DownloadPath = "/assets/download"
)

var (
	// ErrLinkExpired is returned when a link token is past its expiry.
	ErrLinkExpired = errors.New("assets: link expired")
	// ErrLinkInvalid is returned for tokens that fail verification.
	ErrLinkInvalid = errors.New("assets: link invalid")
)

type linkClaims struct {
	jwt.RegisteredClaims
	Object string `json:"obj"`
}

// LocalSigner issues HMAC-signed links served by DownloadHandler.
type LocalSigner struct {
	baseURL string
	key     []byte
	now     func() time.Time
}

// NewLocalSigner derives a link key from secret. baseURL is the public origin
// of the gateway.
func NewLocalSigner(baseURL, secret string) (*LocalSigner, error) {
	if len(strings.TrimSpace(secret)) < 16 {
		return nil, fmt.Errorf("asset signing secret must be at least 16 characters")
	}
	key, err := deriveKey([]byte(secret), linkKeyInfo)
	if err != nil {
		return nil, err
	}
	return &LocalSigner{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		key:     key,
		now:     time.Now,
	}, nil
}

func deriveKey(secret []byte, info string) ([]byte, error) {
	hkdfReader := hkdf.New(sha256.New, secret, nil, []byte(info))
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdfReader, key); err != nil {
		return nil, fmt.Errorf("hkdf read: %w", err)
	}
	return key, nil
}

// SignedURL implements Signer.
func (s *LocalSigner) SignedURL(_ context.Context, object string, ttl time.Duration) (string, time.Time, error) {
	object = strings.TrimPrefix(strings.TrimSpace(object), "/")
	if object == "" {
		return "", time.Time{}, fmt.Errorf("sign url: object is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := s.now().UTC()
	expires := now.Add(ttl)
	claims := linkClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    linkIssuer,
			Audience:  jwt.ClaimStrings{linkAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
			ID:        ulid.Make().String(),
		},
		Object: object,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign link token: %w", err)
	}
	return s.baseURL + DownloadPath + "?" + url.Values{"token": {token}}.Encode(), expires, nil
}

// Verify checks token and returns the object it grants.
func (s *LocalSigner) Verify(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrLinkInvalid
	}
	claims := &linkClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (any, error) {
			return s.key, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(linkIssuer),
		jwt.WithAudience(linkAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrLinkExpired
		}
		return "", fmt.Errorf("%w: %v", ErrLinkInvalid, err)
	}
	if !parsed.Valid || strings.TrimSpace(claims.Object) == "" {
		return "", ErrLinkInvalid
	}
	return claims.Object, nil
}
