package crypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/asn1"
	"encoding/hex"
	"fmt"
	"math/big"
)

// Signer is a capability, not an identity: callers hold a Signer value and
// never need to know whether it is backed by an in-process key or a remote
// HSM handle. Rotation swaps the capability, not the call sites. Every
// signature carries the signer's KeyID so verifiers can locate the matching
// public key.
type Signer interface {
	// Sign returns a hex-encoded ASN.1 DER ECDSA signature over the
	// SHA-256 digest of data.
	Sign(data []byte) (string, error)
	KeyID() string
	PublicKey() string
	PublicKeyBytes() []byte
}

// ECDSASigner signs with an ECDSA P-256 private key and a SHA-256 pre-hash,
// matching the algorithm mandated for mandate and Merkle-root signatures.
type ECDSASigner struct {
	priv  *ecdsa.PrivateKey
	keyID string
}

// NewECDSASigner generates a fresh P-256 key pair for keyID.
func NewECDSASigner(keyID string) (*ECDSASigner, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("crypto: key generation failed: %w", err)
	}
	return &ECDSASigner{priv: priv, keyID: keyID}, nil
}

// NewECDSASignerFromKey wraps an existing private key as a Signer.
func NewECDSASignerFromKey(priv *ecdsa.PrivateKey, keyID string) *ECDSASigner {
	return &ECDSASigner{priv: priv, keyID: keyID}
}

func (s *ECDSASigner) Sign(data []byte) (string, error) {
	digest := sha256.Sum256(data)
	r, sv, err := ecdsa.Sign(rand.Reader, s.priv, digest[:])
	if err != nil {
		return "", fmt.Errorf("crypto: sign failed: %w", err)
	}
	der, err := asn1.Marshal(ecdsaSignature{R: r, S: sv})
	if err != nil {
		return "", fmt.Errorf("crypto: signature encoding failed: %w", err)
	}
	return hex.EncodeToString(der), nil
}

func (s *ECDSASigner) KeyID() string { return s.keyID }

func (s *ECDSASigner) PublicKey() string {
	return hex.EncodeToString(s.PublicKeyBytes())
}

func (s *ECDSASigner) PublicKeyBytes() []byte {
	return elliptic.Marshal(elliptic.P256(), s.priv.PublicKey.X, s.priv.PublicKey.Y)
}

type ecdsaSignature struct {
	R, S *big.Int
}

// Verify checks a hex-encoded ASN.1 DER ECDSA signature against a
// hex-encoded uncompressed P-256 public key point.
func Verify(pubKeyHex, sigHex string, data []byte) (bool, error) {
	pubKeyBytes, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return false, fmt.Errorf("crypto: invalid public key hex: %w", err)
	}
	x, y := elliptic.Unmarshal(elliptic.P256(), pubKeyBytes)
	if x == nil {
		return false, fmt.Errorf("crypto: invalid P-256 public key point")
	}
	pub := &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}

	sigDER, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, fmt.Errorf("crypto: invalid signature hex: %w", err)
	}
	var sig ecdsaSignature
	if _, err := asn1.Unmarshal(sigDER, &sig); err != nil {
		return false, fmt.Errorf("crypto: invalid signature encoding: %w", err)
	}

	digest := sha256.Sum256(data)
	return ecdsa.Verify(pub, digest[:], sig.R, sig.S), nil
}

// VerifyBytes is Verify taking a raw public key point rather than hex,
// convenient for callers that already hold decoded key bytes (e.g. loaded
// from a principal or mandate issuer row).
func VerifyBytes(pubKeyBytes []byte, sigHex string, data []byte) (bool, error) {
	return Verify(hex.EncodeToString(pubKeyBytes), sigHex, data)
}
