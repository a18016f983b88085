package security

import (
	"crypto/rand"
	"crypto/rsa"
	"sync"
	"time"
)

var (
	testKeyOnce sync.Once
	testKey     *rsa.PrivateKey
	testKeyErr  error
)

// testSigningKey is generated once per test binary; no key material lives in the tree.
func testSigningKey() (*rsa.PrivateKey, error) {
	testKeyOnce.Do(func() {
		testKey, testKeyErr = rsa.GenerateKey(rand.Reader, 2048)
	})
	return testKey, testKeyErr
}

// NewTestTokenProvider returns an RS256 TokenProvider for tests of packages that authenticate gRPC calls. Every
// provider in one test binary shares the key, so tokens issued by one validate against another.
func NewTestTokenProvider() (*TokenProvider, error) {
	key, err := testSigningKey()
	if err != nil {
		return nil, err
	}
	return NewTokenProvider(key, nil, "presence-test", "presence-agent", 15*time.Minute), nil
}
