package auth

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"github.com/youmark/pkcs8"
	"golang.org/x/crypto/ssh"

	"github.com/Chichichkin/SnowpipeAgent/internal/logging"
)

// KeyEncoding tells which PEM layout a private key was read from.
type KeyEncoding int

const (
	// TraditionalKey is a PKCS#1 "RSA PRIVATE KEY" block, optionally with legacy
	// Proc-Type encryption.
	TraditionalKey KeyEncoding = iota + 1
	// WrappedKey is a PKCS#8 "PRIVATE KEY" or "ENCRYPTED PRIVATE KEY" block.
	WrappedKey
)

func (e KeyEncoding) String() string {
	switch e {
	case TraditionalKey:
		return "traditional"
	case WrappedKey:
		return "wrapped"
	default:
		return "unknown"
	}
}

type PrivateKey struct {
	Encoding KeyEncoding
	Key      *rsa.PrivateKey
}

var (
	errNotPEM         = errors.New("no PEM block found")
	errNotTraditional = errors.New("not a PKCS#1 RSA key")
	errNotRSA         = errors.New("key is not an RSA key")
)

// LoadPrivateKey reads and parses a PEM private key file. Every failure is a
// *logging.KeyReadError.
func LoadPrivateKey(path, passphrase string) (*PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &logging.KeyReadError{Path: path, Err: err}
	}
	key, err := ParsePrivateKey(data, passphrase)
	if err != nil {
		var keyErr *logging.KeyReadError
		if errors.As(err, &keyErr) {
			keyErr.Path = path
		}
		return nil, err
	}
	return key, nil
}

// ParsePrivateKey tries the traditional encoding first and the wrapped one second.
func ParsePrivateKey(data []byte, passphrase string) (*PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, &logging.KeyReadError{Err: errNotPEM}
	}

	key, tradErr := parseTraditional(data, block, passphrase)
	if tradErr == nil {
		return &PrivateKey{Encoding: TraditionalKey, Key: key}, nil
	}

	key, wrapErr := parseWrapped(block, passphrase)
	if wrapErr == nil {
		return &PrivateKey{Encoding: WrappedKey, Key: key}, nil
	}

	if errors.Is(tradErr, errNotTraditional) {
		return nil, &logging.KeyReadError{Err: wrapErr}
	}
	return nil, &logging.KeyReadError{Err: tradErr}
}

func parseTraditional(data []byte, block *pem.Block, passphrase string) (*rsa.PrivateKey, error) {
	if block.Type != "RSA PRIVATE KEY" {
		return nil, errNotTraditional
	}

	var (
		raw any
		err error
	)
	//nolint:staticcheck // legacy PEM encryption is what older tooling produces
	if passphrase != "" && x509.IsEncryptedPEMBlock(block) {
		raw, err = ssh.ParseRawPrivateKeyWithPassphrase(data, []byte(passphrase))
	} else {
		raw, err = ssh.ParseRawPrivateKey(data)
	}
	if err != nil {
		return nil, err
	}
	return asRSA(raw)
}

func parseWrapped(block *pem.Block, passphrase string) (*rsa.PrivateKey, error) {
	var (
		raw any
		err error
	)
	switch block.Type {
	case "ENCRYPTED PRIVATE KEY":
		if passphrase == "" {
			return nil, errors.New("key is encrypted and no passphrase was given")
		}
		raw, err = pkcs8.ParsePKCS8PrivateKey(block.Bytes, []byte(passphrase))
	case "PRIVATE KEY":
		raw, err = pkcs8.ParsePKCS8PrivateKey(block.Bytes)
	default:
		return nil, fmt.Errorf("unsupported PEM block %q", block.Type)
	}
	if err != nil {
		return nil, err
	}
	return asRSA(raw)
}

func asRSA(raw any) (*rsa.PrivateKey, error) {
	switch key := raw.(type) {
	case *rsa.PrivateKey:
		return key, nil
	default:
		return nil, fmt.Errorf("%w: got %T", errNotRSA, raw)
	}
}

// Fingerprint returns "SHA256:" followed by the standard base64 encoding of the
// SHA-256 hash of the DER-encoded public key.
func Fingerprint(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("failed to encode public key: %w", err)
	}
	sum := sha256.Sum256(der)
	return "SHA256:" + base64.StdEncoding.EncodeToString(sum[:]), nil
}
