// Package crypto holds the signing and commitment primitives of the trust
// plane: Ed25519 signing keys with integer key identifiers, the key file
// lifecycle, and HMAC-SHA256 commitments with constant-time comparison.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"

	"github.com/trustplane/attest/pkg/api"
)

// Signer signs messages with a single Ed25519 key identified by an integer kid.
type Signer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
	KID  int
}

// NewSigner generates a fresh Ed25519 keypair.
func NewSigner(kid int) (*Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	return &Signer{priv: priv, pub: pub, KID: kid}, nil
}

// NewSignerFromSeed builds a signer from a 32-byte Ed25519 seed.
func NewSignerFromSeed(seed []byte, kid int) (*Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid seed size %d, want %d", len(seed), ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Signer{priv: priv, pub: priv.Public().(ed25519.PublicKey), KID: kid}, nil
}

// NewSignerFromBase64 builds a signer from base64 encoded key material
// (ED25519_SK_B64). Accepts a 32-byte seed or a 64-byte private key.
func NewSignerFromBase64(skB64 string, kid int) (*Signer, error) {
	raw, err := base64.StdEncoding.DecodeString(skB64)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 signing key: %w", err)
	}
	switch len(raw) {
	case ed25519.SeedSize:
		return NewSignerFromSeed(raw, kid)
	case ed25519.PrivateKeySize:
		priv := ed25519.PrivateKey(raw)
		return &Signer{priv: priv, pub: priv.Public().(ed25519.PublicKey), KID: kid}, nil
	default:
		return nil, fmt.Errorf("invalid signing key size %d", len(raw))
	}
}

// Sign returns the 64-byte Ed25519 signature over msg.
func (s *Signer) Sign(msg []byte) []byte {
	return ed25519.Sign(s.priv, msg)
}

// PublicKey returns the raw verifying key bytes.
func (s *Signer) PublicKey() ed25519.PublicKey {
	return s.pub
}

// PublicKeyBase64 returns the verifying key as standard base64 (ED25519_VK_B64
// wire form).
func (s *Signer) PublicKeyBase64() string {
	return base64.StdEncoding.EncodeToString(s.pub)
}

// Seed returns the 32-byte seed of the signing key, for persistence.
func (s *Signer) Seed() []byte {
	return s.priv.Seed()
}

// Verify reports whether sig is a valid signature over msg under vk.
// ed25519.Verify takes constant time in the message for a fixed key.
func Verify(msg, sig []byte, vk ed25519.PublicKey) bool {
	if len(vk) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(vk, msg, sig)
}

// LoadOrGenerateSigner loads the 32-byte seed at path. When the file is absent
// and development is true, a fresh key is generated and persisted with 0600
// permissions; in production mode the absence is a CONFIG_MISSING failure.
func LoadOrGenerateSigner(path string, kid int, development bool) (*Signer, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		return NewSignerFromSeed(raw, kid)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading signing key %s: %w", path, err)
	}

	if !development {
		return nil, api.Wrap(api.KindConfigMissing,
			"signing key file absent and service not in development mode", err)
	}

	signer, err := NewSigner(kid)
	if err != nil {
		return nil, err
	}
	if err := WriteKeyFile(path, signer.Seed()); err != nil {
		return nil, err
	}
	return signer, nil
}

// WriteKeyFile persists a key seed with 0600 permissions, creating parent
// directories as needed.
func WriteKeyFile(path string, seed []byte) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("creating key directory: %w", err)
		}
	}
	if err := os.WriteFile(path, seed, 0o600); err != nil {
		return fmt.Errorf("writing signing key: %w", err)
	}
	return nil
}
