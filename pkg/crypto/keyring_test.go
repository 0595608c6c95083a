package crypto

import "testing"

func TestKeyRing_ActiveIsLatestAdded(t *testing.T) {
	kr := NewKeyRing()

	k1, _ := NewECDSASigner("key1")
	k2, _ := NewECDSASigner("key2")
	k3, _ := NewECDSASigner("key3")

	kr.AddKey(k1)
	kr.AddKey(k2)
	kr.AddKey(k3)

	sig, keyID, err := kr.Sign([]byte("payload"))
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if keyID != "key3" {
		t.Errorf("expected active key key3, got %s", keyID)
	}

	valid, err := kr.Verify(keyID, []byte("payload"), sig)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !valid {
		t.Error("Verify returned false for a valid signature")
	}
}

func TestKeyRing_RevokedKeyFailsVerification(t *testing.T) {
	kr := NewKeyRing()
	k1, _ := NewECDSASigner("key1")
	kr.AddKey(k1)

	data := []byte("hello world")
	sig, keyID, err := kr.Sign(data)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	kr.RevokeKey(keyID)

	if _, err := kr.Verify(keyID, data, sig); err == nil {
		t.Error("expected verification against a revoked key to fail")
	}
}

func TestKeyRing_UnknownKeyFails(t *testing.T) {
	kr := NewKeyRing()
	k1, _ := NewECDSASigner("key1")
	kr.AddKey(k1)

	if _, err := kr.Verify("unknown", []byte("x"), "00"); err == nil {
		t.Error("expected verification with an unknown key id to fail")
	}
}

func TestKeyRing_RotationKeepsOldKeyVerifiable(t *testing.T) {
	kr := NewKeyRing()
	k1, _ := NewECDSASigner("key1")
	kr.AddKey(k1)

	data := []byte("signed before rotation")
	sig, keyID, err := kr.Sign(data)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	k2, _ := NewECDSASigner("key2")
	kr.AddKey(k2)

	// key1 is no longer active but must still verify its own past signature.
	valid, err := kr.Verify(keyID, data, sig)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !valid {
		t.Error("rotation should not invalidate previously signed records")
	}
}
