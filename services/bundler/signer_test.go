package bundler

import (
	"strings"
	"testing"

	"filippo.io/age"
)

func newTestSigner(t *testing.T) *Signer {
	t.Helper()
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatalf("GenerateX25519Identity() error = %v", err)
	}
	signer, err := NewSigner(identity.String(), "")
	if err != nil {
		t.Fatalf("NewSigner() error = %v", err)
	}
	return signer
}

func TestSignerRoundTrip(t *testing.T) {
	signer := newTestSigner(t)
	if !strings.HasPrefix(signer.Recipient(), "age1") {
		t.Fatalf("Recipient() = %q", signer.Recipient())
	}

	payload := []byte("version: \"1\"\n")
	sig, err := signer.Sign(payload)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if err := signer.Verify(payload, sig, signer.PublicKeyBase64()); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if err := signer.Verify([]byte("tampered"), sig, ""); err == nil {
		t.Fatal("Verify() accepted a tampered payload")
	}

	verifier, err := NewSigner("", signer.PublicKeyBase64())
	if err != nil {
		t.Fatalf("NewSigner(public only) error = %v", err)
	}
	if err := verifier.Verify(payload, sig, ""); err != nil {
		t.Fatalf("verify-only Verify() error = %v", err)
	}
	if _, err := verifier.Sign(payload); err == nil {
		t.Fatal("verify-only signer should not sign")
	}
}

func TestSignerRejectsForeignKey(t *testing.T) {
	a := newTestSigner(t)
	b := newTestSigner(t)

	payload := []byte("payload")
	sig, err := b.Sign(payload)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if err := a.Verify(payload, sig, b.PublicKeyBase64()); err == nil {
		t.Fatal("Verify() accepted a manifest signed by another key")
	}
}

func TestNewSignerErrors(t *testing.T) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatalf("GenerateX25519Identity() error = %v", err)
	}
	other := newTestSigner(t)

	tests := []struct {
		name   string
		secret string
		pub    string
	}{
		{name: "nothing set"},
		{name: "garbage secret", secret: "not-a-key"},
		{name: "bad public base64", pub: "%%%"},
		{name: "short public key", pub: "AAAA"},
		{name: "mismatched pair", secret: identity.String(), pub: other.PublicKeyBase64()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewSigner(tt.secret, tt.pub); err == nil {
				t.Fatal("NewSigner() expected error")
			}
		})
	}
}

func TestSignManifest(t *testing.T) {
	signer := newTestSigner(t)
	m := &Manifest{Version: manifestVersion, Inventory: ManifestInventory{Path: inventoryFileName, Records: 3}}
	if err := signer.SignManifest(m); err != nil {
		t.Fatalf("SignManifest() error = %v", err)
	}
	if m.Signer != signer.Recipient() || m.SigningPublicKey != signer.PublicKeyBase64() {
		t.Fatalf("manifest identity = (%q, %q)", m.Signer, m.SigningPublicKey)
	}
	if err := signer.VerifyManifest(*m); err != nil {
		t.Fatalf("VerifyManifest() error = %v", err)
	}

	edited := *m
	edited.Inventory.Records = 4
	if err := signer.VerifyManifest(edited); err == nil {
		t.Fatal("VerifyManifest() accepted an edited manifest")
	}

	unsigned := *m
	unsigned.Signature = ""
	if err := signer.VerifyManifest(unsigned); err == nil {
		t.Fatal("VerifyManifest() accepted an unsigned manifest")
	}

	verifier, err := NewSigner("", signer.PublicKeyBase64())
	if err != nil {
		t.Fatalf("NewSigner(public only) error = %v", err)
	}
	if verifier.CanSign() {
		t.Fatal("verify-only signer reports CanSign")
	}
	if err := verifier.SignManifest(&Manifest{}); err == nil {
		t.Fatal("verify-only SignManifest() expected error")
	}
}
