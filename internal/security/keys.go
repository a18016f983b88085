package security

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// ErrInvalidKey is returned when PEM content or the key type is unusable.
var ErrInvalidKey = errors.New("invalid key")

// LoadPEM returns s when it is inline PEM, otherwise the content of the file named by s. Inline PEM taken from an
// environment variable may carry literal \n sequences; they are expanded.
func LoadPEM(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrInvalidKey
	}
	if strings.HasPrefix(s, "-----BEGIN") {
		return []byte(strings.ReplaceAll(s, `\n`, "\n")), nil
	}
	return os.ReadFile(s)
}

func decodeBlock(s string) (*pem.Block, error) {
	pemBytes, err := LoadPEM(s)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, ErrInvalidKey
	}
	return block, nil
}

// ParsePrivateKey parses a PKCS#1, PKCS#8 or SEC 1 private key given inline or as a file path.
func ParsePrivateKey(s string) (crypto.Signer, error) {
	block, err := decodeBlock(s)
	if err != nil {
		return nil, err
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		return x509.ParseECPrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		if signer, ok := key.(crypto.Signer); ok && KeyAlg(signer.Public()) != "" {
			return signer, nil
		}
		return nil, ErrInvalidKey
	default:
		return nil, ErrInvalidKey
	}
}

// ParsePublicKey parses a PKIX or PKCS#1 public key given inline or as a file path.
func ParsePublicKey(s string) (crypto.PublicKey, error) {
	block, err := decodeBlock(s)
	if err != nil {
		return nil, err
	}
	switch block.Type {
	case "RSA PUBLIC KEY":
		return x509.ParsePKCS1PublicKey(block.Bytes)
	case "PUBLIC KEY":
		return x509.ParsePKIXPublicKey(block.Bytes)
	default:
		return nil, ErrInvalidKey
	}
}

// KeyAlg returns the JWT algorithm for pub: RS256 for RSA, ES256 for ECDSA, "" otherwise.
func KeyAlg(pub crypto.PublicKey) string {
	switch pub.(type) {
	case *rsa.PublicKey:
		return "RS256"
	case *ecdsa.PublicKey:
		return "ES256"
	default:
		return ""
	}
}

// LoadTokenProvider builds a TokenProvider from configured key material. Either key may be empty: without a
// private key the provider only verifies, without a public key it is derived from the private one. It returns
// nil, nil when both are empty, which callers treat as "auth disabled".
func LoadTokenProvider(privateSpec, publicSpec, issuer, audience string, accessTTL time.Duration) (*TokenProvider, error) {
	if strings.TrimSpace(privateSpec) == "" && strings.TrimSpace(publicSpec) == "" {
		return nil, nil
	}
	var signer crypto.Signer
	var pub crypto.PublicKey
	var err error
	if strings.TrimSpace(privateSpec) != "" {
		if signer, err = ParsePrivateKey(privateSpec); err != nil {
			return nil, fmt.Errorf("security: private key: %w", err)
		}
	}
	if strings.TrimSpace(publicSpec) != "" {
		if pub, err = ParsePublicKey(publicSpec); err != nil {
			return nil, fmt.Errorf("security: public key: %w", err)
		}
	}
	if signer != nil && pub != nil && KeyAlg(signer.Public()) != KeyAlg(pub) {
		return nil, fmt.Errorf("security: key pair algorithms differ: %w", ErrInvalidKey)
	}
	return NewTokenProvider(signer, pub, issuer, audience, accessTTL), nil
}
