// Package security implements the sandbox gate: path containment, command
// filtering, prompt-injection detection and the security event log.
// Policy files may be signed with an owner Ed25519 key so a tampered policy
// is refused at load time.
package security

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

var (
	// ErrInvalidSignature is returned when policy signature verification fails.
	ErrInvalidSignature = errors.New("security: invalid policy signature")
	// ErrMissingSignature is returned when a policy is unsigned but verification is required.
	ErrMissingSignature = errors.New("security: missing policy signature")
	// ErrMissingPublicKey is returned when the owner public key is absent or malformed.
	ErrMissingPublicKey = errors.New("security: missing owner public key")
)

// GenerateOwnerKeyPair generates a new Ed25519 key pair for signing policies.
func GenerateOwnerKeyPair() (publicKey ed25519.PublicKey, privateKey ed25519.PrivateKey, err error) {
	publicKey, privateKey, err = ed25519.GenerateKey(rand.Reader)
	return
}

// policyDigest is the message actually signed: a domain-separated BLAKE2b-256
// of the policy bytes.
func policyDigest(data []byte) ([]byte, error) {
	h, err := blake2b.New256([]byte("sandboxgate-policy-v1"))
	if err != nil {
		return nil, err
	}
	h.Write(data)
	return h.Sum(nil), nil
}

// SignPolicy signs policy file contents with the owner's private key.
func SignPolicy(data []byte, privateKey ed25519.PrivateKey) ([]byte, error) {
	if len(privateKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("sign policy: invalid private key length %d", len(privateKey))
	}
	msg, err := policyDigest(data)
	if err != nil {
		return nil, fmt.Errorf("digest policy for signing: %w", err)
	}
	return ed25519.Sign(privateKey, msg), nil
}

// VerifyPolicy checks signature over data against publicKey.
func VerifyPolicy(data, signature []byte, publicKey ed25519.PublicKey) error {
	if len(publicKey) != ed25519.PublicKeySize {
		return ErrMissingPublicKey
	}
	if len(signature) == 0 {
		return ErrMissingSignature
	}
	msg, err := policyDigest(data)
	if err != nil {
		return fmt.Errorf("digest policy for verification: %w", err)
	}
	if !ed25519.Verify(publicKey, msg, signature) {
		return ErrInvalidSignature
	}
	return nil
}

// ParsePublicKey decodes a hex Ed25519 public key.
func ParsePublicKey(s string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return nil, ErrMissingPublicKey
	}
	return ed25519.PublicKey(raw), nil
}

// ParsePrivateKey decodes a hex Ed25519 private key.
func ParsePrivateKey(s string) (ed25519.PrivateKey, error) {
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != ed25519.PrivateKeySize {
		return nil, errors.New("security: malformed private key")
	}
	return ed25519.PrivateKey(raw), nil
}

// Fingerprint returns a short BLAKE2b-256 hex digest of s, used to correlate
// sensitive inputs without exporting them.
func Fingerprint(s string) string {
	sum := blake2b.Sum256([]byte(s))
	return hex.EncodeToString(sum[:16])
}
