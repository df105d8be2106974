package signature

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborview/stowage/pkg/apierr"
)

const testSecret = "unit-test-secret-0123456789abcdef"

func TestDownloadTokenRoundTrip(t *testing.T) {
	s := New(testSecret)

	token, err := s.SignDownload("photos/2024/cat.png", "width=100", time.Minute)
	require.NoError(t, err)

	claims, err := s.VerifyDownload(token, "photos/2024/cat.png")
	require.NoError(t, err)
	assert.Equal(t, "photos/2024/cat.png", claims.URL)
	assert.Equal(t, "width=100", claims.Transformations)
}

func TestDownloadTokenURLMustMatchExactly(t *testing.T) {
	s := New(testSecret)

	token, err := s.SignDownload("photos/cat.png", "", time.Minute)
	require.NoError(t, err)

	for _, url := range []string{
		"photos/dog.png",
		"photos/cat.png/",
		"Photos/cat.png",
		"",
	} {
		_, err := s.VerifyDownload(token, url)
		require.Error(t, err, "url %q", url)
		assert.Equal(t, apierr.CodeInvalidSignature, apierr.CodeOf(err))
	}
}

func TestUploadTokenCarriesOwnerAndUpsert(t *testing.T) {
	s := New(testSecret)

	token, err := s.SignUpload("bucket/some/deep/key", "user-42", true, time.Minute)
	require.NoError(t, err)

	claims, err := s.VerifyUpload(token, "bucket/some/deep/key")
	require.NoError(t, err)
	assert.Equal(t, "user-42", claims.Owner)
	assert.True(t, claims.Upsert)
}

func TestExpiredTokenKeepsLibraryMessage(t *testing.T) {
	s := New(testSecret)

	token, err := s.SignDownload("b/k", "", -time.Minute)
	require.NoError(t, err)

	_, err = s.VerifyDownload(token, "b/k")
	require.Error(t, err)
	assert.Equal(t, apierr.CodeInvalidSignature, apierr.CodeOf(err))
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)

	var renderable *apierr.Error
	require.ErrorAs(t, err, &renderable)
	assert.Contains(t, renderable.Message, "expired")
}

func TestTokenWithoutExpiryRejected(t *testing.T) {
	s := New(testSecret)

	// Hand-build a token with no exp claim.
	raw := jwt.NewWithClaims(jwt.SigningMethodHS256, &DownloadClaims{URL: "b/k"})
	token, err := raw.SignedString([]byte(testSecret))
	require.NoError(t, err)

	_, err = s.VerifyDownload(token, "b/k")
	require.Error(t, err)
	assert.Equal(t, apierr.CodeInvalidSignature, apierr.CodeOf(err))
}

func TestNotBeforeHonored(t *testing.T) {
	s := New(testSecret)

	claims := &DownloadClaims{
		URL: "b/k",
		RegisteredClaims: jwt.RegisteredClaims{
			NotBefore: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(2 * time.Hour)),
		},
	}
	raw := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token, err := raw.SignedString([]byte(testSecret))
	require.NoError(t, err)

	_, err = s.VerifyDownload(token, "b/k")
	require.Error(t, err)
	assert.ErrorIs(t, err, jwt.ErrTokenNotValidYet)
}

func TestWrongSecretRejected(t *testing.T) {
	token, err := New(testSecret).SignDownload("b/k", "", time.Minute)
	require.NoError(t, err)

	_, err = New("another-secret-another-secret-xx").VerifyDownload(token, "b/k")
	require.Error(t, err)
	assert.Equal(t, apierr.CodeInvalidSignature, apierr.CodeOf(err))
}

func TestWrongSigningMethodRejected(t *testing.T) {
	// alg=none style forgery must not verify.
	raw := jwt.NewWithClaims(jwt.SigningMethodNone, &DownloadClaims{
		URL: "b/k",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	token, err := raw.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = New(testSecret).VerifyDownload(token, "b/k")
	require.Error(t, err)
	assert.Equal(t, apierr.CodeInvalidSignature, apierr.CodeOf(err))
}
