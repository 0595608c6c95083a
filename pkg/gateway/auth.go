package gateway

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"

	"github.com/caracal-sh/caracal/pkg/caracalerr"
)

// Authenticator establishes who is calling the gateway. It is a capability
// wired at process start: deployments pick mTLS, JWS bearer, API key, or a
// chain of them.
type Authenticator interface {
	Authenticate(r *http.Request) (principalID string, err error)
}

// Chain tries each authenticator in order, succeeding on the first match.
type Chain []Authenticator

func (c Chain) Authenticate(r *http.Request) (string, error) {
	var lastErr error = caracalerr.MandateIntegrity("no authenticator accepted the request")
	for _, a := range c {
		principalID, err := a.Authenticate(r)
		if err == nil {
			return principalID, nil
		}
		lastErr = err
	}
	return "", lastErr
}

// BearerClaims are the JWS bearer token claims the gateway accepts.
type BearerClaims struct {
	jwt.RegisteredClaims
}

// BearerAuthenticator validates a signed JWS bearer token from the
// Authorization header; the token subject is the principal.
type BearerAuthenticator struct {
	keyFunc jwt.Keyfunc
}

func NewBearerAuthenticator(keyFunc jwt.Keyfunc) *BearerAuthenticator {
	return &BearerAuthenticator{keyFunc: keyFunc}
}

func (a *BearerAuthenticator) Authenticate(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", caracalerr.MandateIntegrity("missing Authorization header")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", caracalerr.MandateIntegrity("malformed Authorization header")
	}
	if a.keyFunc == nil {
		// Fail closed when no verification keys were configured.
		return "", caracalerr.MandateIntegrity("bearer authentication not configured")
	}

	claims := &BearerClaims{}
	token, err := jwt.ParseWithClaims(parts[1], claims, a.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg(), jwt.SigningMethodRS256.Alg()}))
	if err != nil {
		return "", caracalerr.MandateIntegrity(fmt.Sprintf("bearer token rejected: %v", err))
	}
	if !token.Valid || claims.Subject == "" {
		return "", caracalerr.MandateIntegrity("bearer token has no subject")
	}
	return claims.Subject, nil
}

// APIKeyAuthenticator checks the X-Caracal-API-Key header against verifiers
// derived with HKDF-SHA256 under a server-side pepper, so the key table
// never holds recoverable secrets and lookups compare in constant time.
type APIKeyAuthenticator struct {
	mu        sync.RWMutex
	pepper    []byte
	verifiers map[string]string // verifier hex -> principal id
}

func NewAPIKeyAuthenticator(pepper []byte) *APIKeyAuthenticator {
	return &APIKeyAuthenticator{pepper: pepper, verifiers: make(map[string]string)}
}

// DeriveVerifier computes the stored verifier for an API key.
func (a *APIKeyAuthenticator) DeriveVerifier(apiKey string) (string, error) {
	reader := hkdf.New(sha256.New, []byte(apiKey), a.pepper, []byte("caracal-api-key-v1"))
	out := make([]byte, 32)
	if _, err := io.ReadFull(reader, out); err != nil {
		return "", fmt.Errorf("gateway: verifier derivation failed: %w", err)
	}
	return hex.EncodeToString(out), nil
}

// Register installs an API key for a principal.
func (a *APIKeyAuthenticator) Register(apiKey, principalID string) error {
	verifier, err := a.DeriveVerifier(apiKey)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.verifiers[verifier] = principalID
	return nil
}

func (a *APIKeyAuthenticator) Authenticate(r *http.Request) (string, error) {
	key := r.Header.Get("X-Caracal-API-Key")
	if key == "" {
		return "", caracalerr.MandateIntegrity("missing API key")
	}
	verifier, err := a.DeriveVerifier(key)
	if err != nil {
		return "", caracalerr.MandateIntegrity("API key rejected")
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	for stored, principalID := range a.verifiers {
		if subtle.ConstantTimeCompare([]byte(stored), []byte(verifier)) == 1 {
			return principalID, nil
		}
	}
	return "", caracalerr.MandateIntegrity("unknown API key")
}

// MTLSAuthenticator takes the principal from the verified client
// certificate's common name. TLS termination and CA pinning happen in the
// server config; by the time a request reaches the handler, the peer chain
// is already verified.
type MTLSAuthenticator struct{}

func (MTLSAuthenticator) Authenticate(r *http.Request) (string, error) {
	if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
		return "", caracalerr.MandateIntegrity("no client certificate presented")
	}
	cn := r.TLS.PeerCertificates[0].Subject.CommonName
	if cn == "" {
		return "", caracalerr.MandateIntegrity("client certificate has no common name")
	}
	return cn, nil
}
