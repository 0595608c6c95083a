package crypto

import "context"

// PublicKeySource resolves a signer_key_id to the public key bytes needed to
// verify a signature it produced. Principals and the Merkle batch verifier
// both resolve keys this way rather than trusting an embedded public key.
type PublicKeySource interface {
	PublicKeyFor(ctx context.Context, keyID string) ([]byte, error)
}

// VerifyWithSource verifies sigHex over data using the public key that
// source resolves for keyID. Any failure to resolve the key is itself a
// verification failure (fail-closed).
func VerifyWithSource(ctx context.Context, source PublicKeySource, keyID string, data []byte, sigHex string) (bool, error) {
	pub, err := source.PublicKeyFor(ctx, keyID)
	if err != nil {
		return false, err
	}
	return VerifyBytes(pub, sigHex, data)
}
