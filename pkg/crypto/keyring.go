package crypto

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// KeyRing holds a set of signers keyed by signer_key_id, supporting
// rotation: a new key is added and becomes the active signer; keys already
// revoked no longer verify through the ring even if callers still present
// their signer_key_id.
type KeyRing struct {
	mu      sync.RWMutex
	signers map[string]Signer
	active  string
}

// NewKeyRing creates an empty KeyRing.
func NewKeyRing() *KeyRing {
	return &KeyRing{signers: make(map[string]Signer)}
}

// AddKey registers s and makes it the active signer.
func (k *KeyRing) AddKey(s Signer) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.signers[s.KeyID()] = s
	k.active = s.KeyID()
}

// RevokeKey removes a key from the ring.
func (k *KeyRing) RevokeKey(keyID string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.signers, keyID)
	if k.active == keyID {
		k.active = k.latestKeyIDLocked()
	}
}

func (k *KeyRing) latestKeyIDLocked() string {
	keys := make([]string, 0, len(k.signers))
	for id := range k.signers {
		keys = append(keys, id)
	}
	if len(keys) == 0 {
		return ""
	}
	sort.Strings(keys)
	return keys[len(keys)-1]
}

// Active returns the signer that should be used for new signatures.
func (k *KeyRing) Active() (Signer, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.active == "" {
		return nil, fmt.Errorf("crypto: keyring has no active key")
	}
	s, ok := k.signers[k.active]
	if !ok {
		return nil, fmt.Errorf("crypto: active key %s not registered", k.active)
	}
	return s, nil
}

// Sign signs data with the active key, returning the signature and the
// signer_key_id that produced it.
func (k *KeyRing) Sign(data []byte) (sig, keyID string, err error) {
	s, err := k.Active()
	if err != nil {
		return "", "", err
	}
	sig, err = s.Sign(data)
	if err != nil {
		return "", "", err
	}
	return sig, s.KeyID(), nil
}

// PublicKeyFor implements crypto.PublicKeySource, resolving a signer_key_id
// to its public key bytes for any key still registered in the ring.
func (k *KeyRing) PublicKeyFor(_ context.Context, keyID string) ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	s, ok := k.signers[keyID]
	if !ok {
		return nil, fmt.Errorf("crypto: unknown or revoked key: %s", keyID)
	}
	return s.PublicKeyBytes(), nil
}

// Verify verifies sigHex for keyID against the ring.
func (k *KeyRing) Verify(keyID string, data []byte, sigHex string) (bool, error) {
	pub, err := k.PublicKeyFor(context.Background(), keyID)
	if err != nil {
		return false, err
	}
	return VerifyBytes(pub, sigHex, data)
}
