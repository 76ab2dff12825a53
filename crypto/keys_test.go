package crypto

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

func TestIdentityBech32RoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	id := key.Identity()
	encoded := id.String()
	if !strings.HasPrefix(encoded, IdentityHRP+"1") {
		t.Fatalf("unexpected prefix: %s", encoded)
	}
	parsed, err := ParseIdentity(encoded)
	if err != nil {
		t.Fatalf("parse identity: %v", err)
	}
	if parsed != id {
		t.Fatalf("identity mismatch: got %x want %x", parsed, id)
	}
	fromHex, err := ParseIdentity(id.Hex())
	if err != nil {
		t.Fatalf("parse hex identity: %v", err)
	}
	if fromHex != id {
		t.Fatalf("hex identity mismatch")
	}
}

func TestParseIdentityRejectsWrongPrefix(t *testing.T) {
	var raw [32]byte
	raw[0] = 1
	encoded, err := EncodeBech32("other", raw[:])
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := ParseIdentity(encoded); err == nil {
		t.Fatalf("expected prefix error")
	}
	if _, err := ParseIdentity("0x1234"); !errors.Is(err, ErrInvalidIdentity) {
		t.Fatalf("expected ErrInvalidIdentity for short hex, got %v", err)
	}
}

func TestSignAndRecoverIdentity(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	digest := CallDigest("escrow_approve", []byte("location"))
	sig, err := key.Sign(digest)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := VerifyIdentity(key.Identity(), digest, sig); err != nil {
		t.Fatalf("verify: %v", err)
	}

	other, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	if err := VerifyIdentity(other.Identity(), digest, sig); !errors.Is(err, ErrSignatureMismatch) {
		t.Fatalf("expected ErrSignatureMismatch, got %v", err)
	}
	if err := VerifyIdentity(key.Identity(), CallDigest("escrow_submit", []byte("location")), sig); !errors.Is(err, ErrSignatureMismatch) {
		t.Fatalf("expected mismatch for different digest, got %v", err)
	}
	if _, err := RecoverIdentity(digest, sig[:10]); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestCallDigestSeparatesFields(t *testing.T) {
	a := CallDigest("m", []byte("ab"), []byte("c"))
	b := CallDigest("m", []byte("a"), []byte("bc"))
	if string(a) == string(b) {
		t.Fatalf("expected distinct digests for distinct field splits")
	}
}

func TestIdentityIsOnCurve(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	if !IsOnCurve(key.Identity()) {
		t.Fatalf("expected key identity to be on curve")
	}
	var overflow [32]byte
	for i := range overflow {
		overflow[i] = 0xff
	}
	if IsOnCurve(overflow) {
		t.Fatalf("expected value above field prime to be off curve")
	}
}

func TestKeystoreRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	path := filepath.Join(t.TempDir(), "keys", "client.json")
	if err := SaveToKeystore(path, key, "secret"); err != nil {
		t.Fatalf("save keystore: %v", err)
	}
	loaded, err := LoadFromKeystore(path, "secret")
	if err != nil {
		t.Fatalf("load keystore: %v", err)
	}
	if loaded.Identity() != key.Identity() {
		t.Fatalf("identity mismatch after reload")
	}
	if _, err := LoadFromKeystore(path, "wrong"); err == nil {
		t.Fatalf("expected wrong passphrase to fail")
	}
}
