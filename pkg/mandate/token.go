package mandate

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"encoding/asn1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/caracal-sh/caracal/pkg/crypto"
)

// TokenTyp is the JWS header typ for a mandate token.
const TokenTyp = "mandate"

// TokenCodec encodes mandates into their JWS wire form
// (base64url(header).base64url(payload).base64url(signature), alg ES256)
// and decodes/verifies presented tokens back into mandates. The evaluator
// treats a verified token and a stored mandate row as interchangeable.
type TokenCodec struct {
	keys crypto.PublicKeySource
}

func NewTokenCodec(keys crypto.PublicKeySource) *TokenCodec {
	return &TokenCodec{keys: keys}
}

// Encode signs the mandate's wire payload with signer. The payload carries
// every mandate field except the signature and revocation metadata, so the
// token stays valid across a later revocation (revocation is checked
// against the store, not the token).
func (c *TokenCodec) Encode(m *Mandate, signer crypto.Signer) (string, error) {
	payload, err := m.SigningBytes()
	if err != nil {
		return "", err
	}

	var claims jwt.MapClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return "", fmt.Errorf("mandate: token claims decode failed: %w", err)
	}

	token := jwt.NewWithClaims(&signerMethod{signer: signer}, claims)
	token.Header["kid"] = signer.KeyID()
	token.Header["typ"] = TokenTyp

	// The signing key is carried inside the method; jwt requires a
	// non-nil key argument but never inspects it here.
	return token.SignedString(struct{}{})
}

// Decode parses and verifies a mandate token, resolving the verification
// key from the kid header. Any parse or signature failure is returned as-is
// for the caller to treat as a deny (fail closed).
func (c *TokenCodec) Decode(ctx context.Context, tokenString string) (*Mandate, error) {
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != jwt.SigningMethodES256.Alg() {
			return nil, fmt.Errorf("mandate: unexpected token alg %q", t.Method.Alg())
		}
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("mandate: token missing kid header")
		}
		pubBytes, err := c.keys.PublicKeyFor(ctx, kid)
		if err != nil {
			return nil, err
		}
		x, y := elliptic.Unmarshal(elliptic.P256(), pubBytes)
		if x == nil {
			return nil, fmt.Errorf("mandate: invalid public key for kid %q", kid)
		}
		return &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, jwt.ErrTokenSignatureInvalid
	}
	if typ, _ := token.Header["typ"].(string); typ != TokenTyp {
		return nil, fmt.Errorf("mandate: token typ %q is not %q", typ, TokenTyp)
	}

	return mandateFromClaims(claims)
}

func mandateFromClaims(claims jwt.MapClaims) (*Mandate, error) {
	raw, err := json.Marshal(claims)
	if err != nil {
		return nil, fmt.Errorf("mandate: token claims re-encode failed: %w", err)
	}

	var wire struct {
		Mandate
		ValidFromStr       string `json:"valid_from"`
		ValidUntilStr      string `json:"valid_until"`
		DelegationDepthStr string `json:"delegation_depth"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("mandate: malformed token payload: %w", err)
	}

	m := wire.Mandate
	if m.ValidFrom, err = parseRFC3339(wire.ValidFromStr); err != nil {
		return nil, fmt.Errorf("mandate: bad valid_from in token: %w", err)
	}
	if m.ValidUntil, err = parseRFC3339(wire.ValidUntilStr); err != nil {
		return nil, fmt.Errorf("mandate: bad valid_until in token: %w", err)
	}
	if _, err := fmt.Sscanf(wire.DelegationDepthStr, "%d", &m.DelegationDepth); err != nil {
		return nil, fmt.Errorf("mandate: bad delegation_depth in token: %w", err)
	}
	if m.MandateID == "" || m.IssuerID == "" || m.SubjectID == "" {
		return nil, fmt.Errorf("mandate: token payload missing identity fields")
	}
	return &m, nil
}

func parseRFC3339(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

// signerMethod adapts the crypto.Signer capability to golang-jwt's
// SigningMethod, re-encoding the signer's DER signature into the raw
// R||S form ES256 tokens carry. Verification goes through the library's
// own ES256 method, so only signing needs the adapter.
type signerMethod struct {
	signer crypto.Signer
}

func (m *signerMethod) Alg() string { return jwt.SigningMethodES256.Alg() }

func (m *signerMethod) Verify(signingString string, sig []byte, key any) error {
	return jwt.SigningMethodES256.Verify(signingString, sig, key)
}

func (m *signerMethod) Sign(signingString string, _ any) ([]byte, error) {
	sigHex, err := m.signer.Sign([]byte(signingString))
	if err != nil {
		return nil, err
	}
	der, err := hex.DecodeString(sigHex)
	if err != nil {
		return nil, fmt.Errorf("mandate: signer returned invalid hex: %w", err)
	}
	var parsed struct{ R, S *big.Int }
	if _, err := asn1.Unmarshal(der, &parsed); err != nil {
		return nil, fmt.Errorf("mandate: signer returned invalid DER: %w", err)
	}

	keyBytes := jwt.SigningMethodES256.CurveBits / 8
	out := make([]byte, 2*keyBytes)
	parsed.R.FillBytes(out[:keyBytes])
	parsed.S.FillBytes(out[keyBytes:])
	return out, nil
}
