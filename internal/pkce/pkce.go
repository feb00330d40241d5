package pkce

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"

	"gmcoin.meme/gm-verify/pkg/errors"
)

// verifierBytes yields a 43 character verifier once base64url encoded,
// the minimum length RFC 7636 allows.
const verifierBytes = 32

// GenerateVerifier returns a cryptographically random, URL-safe code verifier.
func GenerateVerifier() (string, error) {
	buf := make([]byte, verifierBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.WrapAndReport(err, "read random bytes for code verifier")
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// DeriveChallenge returns the S256 code challenge for the given verifier:
// the unpadded base64url encoding of its SHA-256 digest.
func DeriveChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
