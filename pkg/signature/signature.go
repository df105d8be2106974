// Package signature issues and verifies the HMAC tokens behind signed
// download URLs and signed resumable upload URLs. Tokens are standard JWTs
// signed with the tenant's secret; the embedded url claim must exactly match
// the resource the caller presents it for.
package signature

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/harborview/stowage/pkg/apierr"
)

var (
	// ErrURLMismatch indicates the token was minted for a different resource.
	ErrURLMismatch = errors.New("signature does not match the requested resource")

	// ErrMissingExpiry indicates the token carries no exp claim.
	ErrMissingExpiry = errors.New("signature is missing an expiry")
)

// Signer mints and verifies tokens with one tenant's JWT secret.
type Signer struct {
	secret []byte
}

// New creates a signer for the given tenant secret.
func New(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

// DownloadClaims is the payload of a signed download URL: the exact
// "bucket/objectPath" resource plus optional render transformations.
type DownloadClaims struct {
	URL             string `json:"url"`
	Transformations string `json:"transformations,omitempty"`
	jwt.RegisteredClaims
}

// UploadClaims is the payload of a signed resumable upload URL. Owner and
// upsert are injected into the upload context after verification.
type UploadClaims struct {
	URL    string `json:"url"`
	Owner  string `json:"owner,omitempty"`
	Upsert bool   `json:"upsert"`
	jwt.RegisteredClaims
}

// SignDownload mints a token granting a render of url until expiresIn from
// now. url is "bucketName/objectPath".
func (s *Signer) SignDownload(url, transformations string, expiresIn time.Duration) (string, error) {
	claims := &DownloadClaims{
		URL:             url,
		Transformations: transformations,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiresIn)),
		},
	}
	return s.sign(claims)
}

// SignUpload mints a token authorizing resumable upload requests against the
// upload resource url on behalf of owner.
func (s *Signer) SignUpload(url, owner string, upsert bool, expiresIn time.Duration) (string, error) {
	claims := &UploadClaims{
		URL:    url,
		Owner:  owner,
		Upsert: upsert,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiresIn)),
		},
	}
	return s.sign(claims)
}

func (s *Signer) sign(claims jwt.Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// VerifyDownload checks a signed download token against the resource url the
// caller is requesting. Failures render as InvalidSignature with the JWT
// library's message (e.g. "token is expired") preserved.
func (s *Signer) VerifyDownload(tokenString, url string) (*DownloadClaims, error) {
	claims := &DownloadClaims{}
	if err := s.verify(tokenString, claims); err != nil {
		return nil, err
	}
	if claims.URL != url {
		return nil, apierr.InvalidSignature(ErrURLMismatch)
	}
	return claims, nil
}

// VerifyUpload checks a signed upload token against the upload resource url.
func (s *Signer) VerifyUpload(tokenString, url string) (*UploadClaims, error) {
	claims := &UploadClaims{}
	if err := s.verify(tokenString, claims); err != nil {
		return nil, err
	}
	if claims.URL != url {
		return nil, apierr.InvalidSignature(ErrURLMismatch)
	}
	return claims, nil
}

func (s *Signer) verify(tokenString string, claims jwt.Claims) error {
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return apierr.InvalidSignature(err)
	}
	if !token.Valid {
		return apierr.InvalidSignature(errors.New("invalid signature"))
	}

	// ParseWithClaims enforces exp when present and WithExpirationRequired
	// rejects tokens without one; nbf is honored by the default validator.
	exp, err := token.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return apierr.InvalidSignature(ErrMissingExpiry)
	}
	return nil
}
