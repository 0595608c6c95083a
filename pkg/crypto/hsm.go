package crypto

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// SoftHSM is the in-process software signer capability: each key is an
// ECDSA P-256 private key held PEM-encoded in keyDir. It satisfies the
// "software signer" half of the crypto primitives design; RemoteHSMSigner
// satisfies the other half.
type SoftHSM struct {
	keyDir string
	mu     sync.Mutex
	keys   map[string]*ECDSASigner
}

// NewSoftHSM creates a SoftHSM rooted at keyDir, creating it if absent.
func NewSoftHSM(keyDir string) (*SoftHSM, error) {
	if err := os.MkdirAll(keyDir, 0700); err != nil {
		return nil, fmt.Errorf("crypto: failed to create key dir: %w", err)
	}
	return &SoftHSM{keyDir: keyDir, keys: make(map[string]*ECDSASigner)}, nil
}

// GetSigner returns the Signer for keyLabel, generating and persisting a new
// P-256 key pair on first use.
func (h *SoftHSM) GetSigner(keyLabel string) (Signer, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if s, ok := h.keys[keyLabel]; ok {
		return s, nil
	}

	keyPath := filepath.Join(h.keyDir, keyLabel+".pem")
	if _, err := os.Stat(keyPath); os.IsNotExist(err) {
		signer, err := NewECDSASigner(keyLabel)
		if err != nil {
			return nil, err
		}
		if err := writeECDSAKeyPEM(keyPath, signer.priv); err != nil {
			return nil, err
		}
		h.keys[keyLabel] = signer
		return signer, nil
	}

	priv, err := readECDSAKeyPEM(keyPath)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to load key %s: %w", keyLabel, err)
	}
	signer := NewECDSASignerFromKey(priv, keyLabel)
	h.keys[keyLabel] = signer
	return signer, nil
}

// PublicKeyFor implements PublicKeySource over the key directory, letting
// verifiers resolve any signer_key_id the SoftHSM already holds material
// for. Unlike GetSigner it never creates a key: an unknown id must stay a
// verification failure, not mint fresh material.
func (h *SoftHSM) PublicKeyFor(_ context.Context, keyID string) ([]byte, error) {
	h.mu.Lock()
	if s, ok := h.keys[keyID]; ok {
		h.mu.Unlock()
		return s.PublicKeyBytes(), nil
	}
	h.mu.Unlock()

	keyPath := filepath.Join(h.keyDir, keyID+".pem")
	if _, err := os.Stat(keyPath); err != nil {
		return nil, fmt.Errorf("crypto: unknown key id %q", keyID)
	}
	s, err := h.GetSigner(keyID)
	if err != nil {
		return nil, err
	}
	return s.PublicKeyBytes(), nil
}

func writeECDSAKeyPEM(path string, priv *ecdsa.PrivateKey) error {
	der, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return fmt.Errorf("crypto: failed to marshal private key: %w", err)
	}
	block := &pem.Block{Type: "EC PRIVATE KEY", Bytes: der}
	var buf bytes.Buffer
	if err := pem.Encode(&buf, block); err != nil {
		return fmt.Errorf("crypto: failed to encode private key: %w", err)
	}
	return os.WriteFile(path, buf.Bytes(), 0600)
}

func readECDSAKeyPEM(path string) (*ecdsa.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("crypto: no PEM block found in %s", path)
	}
	priv, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to parse private key: %w", err)
	}
	if priv.Curve != elliptic.P256() {
		return nil, fmt.Errorf("crypto: key %s is not on P-256", path)
	}
	return priv, nil
}

// RemoteHSMSigner models the "or a remote HSM handle" half of the signer
// capability: it holds no key material, only an endpoint, a keyID and the
// public key bytes given at construction. Its Sign is not connected to any
// transport: no request is sent to the endpoint and every call returns an
// error.
type RemoteHSMSigner struct {
	endpoint string
	keyID    string
	pubKey   []byte
	client   *http.Client
}

// NewRemoteHSMSigner builds a signer for keyID at endpoint. pubKey is the
// caller-supplied public key, stored as given; nothing is fetched from the
// endpoint.
func NewRemoteHSMSigner(endpoint, keyID string, pubKey []byte, client *http.Client) *RemoteHSMSigner {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &RemoteHSMSigner{endpoint: endpoint, keyID: keyID, pubKey: pubKey, client: client}
}

func (r *RemoteHSMSigner) KeyID() string          { return r.keyID }
func (r *RemoteHSMSigner) PublicKeyBytes() []byte { return r.pubKey }
func (r *RemoteHSMSigner) PublicKey() string {
	return fmt.Sprintf("%x", r.pubKey)
}

// Sign does not call the endpoint; it always returns an error. Kept as a clearly-named stub
// rather than a full client: wiring a specific HSM's request/response shape
// belongs to a deployment-specific adapter, not the core library.
func (r *RemoteHSMSigner) Sign(_ []byte) (string, error) {
	return "", fmt.Errorf("crypto: remote HSM signer for key %s not wired to a transport (endpoint=%s)", r.keyID, r.endpoint)
}
