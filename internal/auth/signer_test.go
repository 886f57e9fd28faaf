package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chichichkin/SnowpipeAgent/internal/logging"
)

func parseToken(t *testing.T, value string, key *PrivateKey, at time.Time) *jwt.RegisteredClaims {
	t.Helper()

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(value, claims,
		func(*jwt.Token) (interface{}, error) { return &key.Key.PublicKey, nil },
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithTimeFunc(func() time.Time { return at }),
	)
	require.NoError(t, err)
	require.True(t, token.Valid)
	return claims
}

func TestSign_ClaimsAndSignature(t *testing.T) {
	key, err := LoadPrivateKey(testKeyPath("rsa_key.p8"), "")
	require.NoError(t, err)

	now := time.Unix(1_700_000_000, 250_000_000)
	token, err := Sign("myorg-acct", "ingest_user", testFingerprint, key.Key, now)
	require.NoError(t, err)

	assert.Equal(t, time.Unix(1_700_000_000, 0), token.IssuedAt)
	assert.Equal(t, 60*time.Second, token.ExpiresAt.Sub(token.IssuedAt))

	claims := parseToken(t, token.Value, key, now.Add(10*time.Second))
	assert.Equal(t, "MYORG-ACCT.INGEST_USER."+testFingerprint, claims.Issuer)
	assert.Equal(t, "MYORG-ACCT.INGEST_USER", claims.Subject)
	assert.Equal(t, int64(1_700_000_000), claims.IssuedAt.Unix())
	assert.Equal(t, int64(60), claims.ExpiresAt.Unix()-claims.IssuedAt.Unix())
}

func TestSign_RejectedAfterExpiry(t *testing.T) {
	key, err := LoadPrivateKey(testKeyPath("rsa_key_pkcs1.pem"), "")
	require.NoError(t, err)

	now := time.Unix(1_700_000_000, 0)
	token, err := Sign("acct", "user", testFingerprint, key.Key, now)
	require.NoError(t, err)

	_, err = jwt.Parse(token.Value,
		func(*jwt.Token) (interface{}, error) { return &key.Key.PublicKey, nil },
		jwt.WithTimeFunc(func() time.Time { return now.Add(61 * time.Second) }),
	)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)
}

func TestKeyFileSigner_FreshTokenPerCall(t *testing.T) {
	clock := time.Unix(1_700_000_000, 0)
	signer := &KeyFileSigner{
		Account:    "acct",
		User:       "user",
		KeyPath:    testKeyPath("rsa_key_enc.p8"),
		Passphrase: testPassphrase,
		Now: func() time.Time {
			clock = clock.Add(time.Second)
			return clock
		},
	}

	first, err := signer.Token()
	require.NoError(t, err)
	second, err := signer.Token()
	require.NoError(t, err)

	assert.NotEqual(t, first.Value, second.Value)
	assert.Equal(t, time.Second, second.IssuedAt.Sub(first.IssuedAt))

	key, err := LoadPrivateKey(testKeyPath("rsa_key.p8"), "")
	require.NoError(t, err)
	claims := parseToken(t, second.Value, key, second.IssuedAt)
	assert.Equal(t, "ACCT.USER."+testFingerprint, claims.Issuer)
}

func TestKeyFileSigner_WrongPassphrase(t *testing.T) {
	signer := &KeyFileSigner{
		Account:    "acct",
		User:       "user",
		KeyPath:    testKeyPath("rsa_key_pkcs1_enc.pem"),
		Passphrase: "wrong",
	}

	_, err := signer.Token()
	var keyErr *logging.KeyReadError
	assert.ErrorAs(t, err, &keyErr)
}
