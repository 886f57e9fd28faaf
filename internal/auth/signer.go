package auth

import (
	"crypto/rsa"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Chichichkin/SnowpipeAgent/internal/logging"
)

// TokenLifetime is fixed; the remote verifier rejects longer-lived tokens.
const TokenLifetime = 60 * time.Second

// Sign builds an RS256 key-pair token:
//
//	iss = ACCOUNT.USER.fingerprint
//	sub = ACCOUNT.USER
//	iat = now, exp = now + 60s
func Sign(account, user, fingerprint string, key *rsa.PrivateKey, now time.Time) (logging.SignedToken, error) {
	issuedAt := now.Truncate(time.Second)
	expiresAt := issuedAt.Add(TokenLifetime)
	subject := strings.ToUpper(account) + "." + strings.ToUpper(user)

	claims := jwt.RegisteredClaims{
		Issuer:    subject + "." + fingerprint,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(issuedAt),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}

	value, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		return logging.SignedToken{}, fmt.Errorf("failed to sign token: %w", err)
	}

	return logging.SignedToken{
		Value:     value,
		IssuedAt:  issuedAt,
		ExpiresAt: expiresAt,
	}, nil
}

// KeyFileSigner re-reads the private key file and signs a new token on each call.
type KeyFileSigner struct {
	Account    string
	User       string
	KeyPath    string
	Passphrase string
	Now        func() time.Time
}

func (s *KeyFileSigner) Token() (logging.SignedToken, error) {
	key, err := LoadPrivateKey(s.KeyPath, s.Passphrase)
	if err != nil {
		return logging.SignedToken{}, err
	}

	fingerprint, err := Fingerprint(&key.Key.PublicKey)
	if err != nil {
		return logging.SignedToken{}, &logging.KeyReadError{Path: s.KeyPath, Err: err}
	}

	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	return Sign(s.Account, s.User, fingerprint, key.Key, now())
}
