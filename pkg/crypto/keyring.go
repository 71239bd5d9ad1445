package crypto

import (
	"crypto/ed25519"
	"sync"

	"github.com/trustplane/attest/pkg/api"
)

// KeyRing maps integer key identifiers to verifying keys and tracks the active
// signer. Rotation replaces the active kid under the guard; retired keys keep
// verifying tokens issued before the rotation.
type KeyRing struct {
	mu     sync.RWMutex
	keys   map[int]ed25519.PublicKey
	active *Signer
}

// NewKeyRing creates a keyring with signer as the active key.
func NewKeyRing(signer *Signer) *KeyRing {
	kr := &KeyRing{keys: make(map[int]ed25519.PublicKey)}
	kr.keys[signer.KID] = signer.PublicKey()
	kr.active = signer
	return kr
}

// Active returns the current signing key.
func (kr *KeyRing) Active() *Signer {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	return kr.active
}

// ActiveKID returns the kid tokens are currently issued under.
func (kr *KeyRing) ActiveKID() int {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	return kr.active.KID
}

// Rotate installs signer as the new active key. The previous verifying key
// stays in the table so outstanding tokens remain verifiable.
func (kr *KeyRing) Rotate(signer *Signer) {
	kr.mu.Lock()
	defer kr.mu.Unlock()
	kr.keys[signer.KID] = signer.PublicKey()
	kr.active = signer
}

// Retire removes a verifying key; tokens under that kid stop verifying.
func (kr *KeyRing) Retire(kid int) {
	kr.mu.Lock()
	defer kr.mu.Unlock()
	delete(kr.keys, kid)
}

// VerifyingKey looks up the verifying key for kid.
func (kr *KeyRing) VerifyingKey(kid int) (ed25519.PublicKey, error) {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	vk, ok := kr.keys[kid]
	if !ok {
		return nil, api.E(api.KindKidUnknown, "no verifying key for kid")
	}
	return vk, nil
}

// VerifyKID checks sig over msg under the key registered for kid.
func (kr *KeyRing) VerifyKID(kid int, msg, sig []byte) error {
	vk, err := kr.VerifyingKey(kid)
	if err != nil {
		return err
	}
	if !Verify(msg, sig, vk) {
		return api.E(api.KindBadSignature, "signature verification failed")
	}
	return nil
}
