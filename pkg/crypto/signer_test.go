package crypto

import "testing"

func TestECDSASignerFromKey_MatchesOriginal(t *testing.T) {
	signer, err := NewECDSASigner("issuer-key")
	if err != nil {
		t.Fatalf("NewECDSASigner failed: %v", err)
	}

	wrapped := NewECDSASignerFromKey(signer.priv, "issuer-key")
	if wrapped.PublicKey() != signer.PublicKey() {
		t.Error("wrapping the same private key should yield the same public key")
	}

	data := []byte("mandate payload")
	sig, err := wrapped.Sign(data)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	valid, err := Verify(signer.PublicKey(), sig, data)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !valid {
		t.Error("signature from wrapped key should verify against the original public key")
	}
}

func TestSoftHSM_SignThroughGetSigner(t *testing.T) {
	hsm, err := NewSoftHSM(t.TempDir())
	if err != nil {
		t.Fatalf("NewSoftHSM failed: %v", err)
	}

	signer, err := hsm.GetSigner("issuer-1")
	if err != nil {
		t.Fatalf("GetSigner failed: %v", err)
	}

	data := []byte("execution mandate bytes")
	sig, err := signer.Sign(data)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	valid, err := Verify(signer.PublicKey(), sig, data)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !valid {
		t.Error("signature produced through SoftHSM should verify")
	}
}

func TestRemoteHSMSigner_ReportsKeyID(t *testing.T) {
	s := NewRemoteHSMSigner("https://hsm.internal/sign", "remote-key-1", []byte{0x04, 0x01, 0x02}, nil)
	if s.KeyID() != "remote-key-1" {
		t.Errorf("unexpected key id: %s", s.KeyID())
	}
	if _, err := s.Sign([]byte("x")); err == nil {
		t.Error("expected the unwired remote signer stub to report an error")
	}
}
