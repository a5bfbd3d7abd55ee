package bundler

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"

	"filippo.io/age"
	"github.com/btcsuite/btcutil/bech32"
)

const (
	envAgeSecretKey = "AGE_SECRET_KEY"
	envAgePublicKey = "AGE_PUBLIC_KEY"

	ageSecretKeyHRP = "age-secret-key-"
)

// Signer signs and verifies bundle manifests. The Ed25519 key pair is derived
// from the seed of an age X25519 identity, so operators manage one secret.
type Signer struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	recipient  string
}

// NewSignerFromEnv reads AGE_SECRET_KEY and AGE_PUBLIC_KEY.
func NewSignerFromEnv() (*Signer, error) {
	return NewSigner(os.Getenv(envAgeSecretKey), os.Getenv(envAgePublicKey))
}

// NewSigner builds a Signer from an age secret key, a base64 Ed25519 public
// key, or both. A signer built from the public key alone can only verify.
func NewSigner(secret, pub string) (*Signer, error) {
	secret = strings.TrimSpace(secret)
	pub = strings.TrimSpace(pub)
	if secret == "" && pub == "" {
		return nil, fmt.Errorf("%s or %s must be set", envAgeSecretKey, envAgePublicKey)
	}

	s := &Signer{}
	if secret != "" {
		seed, err := ageSeed(secret)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", envAgeSecretKey, err)
		}
		s.privateKey = ed25519.NewKeyFromSeed(seed)
		s.publicKey = s.privateKey.Public().(ed25519.PublicKey)
		if identity, err := age.ParseX25519Identity(secret); err == nil {
			s.recipient = identity.Recipient().String()
		}
	}

	if pub != "" {
		key, err := parsePublicKey(pub)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", envAgePublicKey, err)
		}
		if s.publicKey != nil && !s.publicKey.Equal(key) {
			return nil, fmt.Errorf("%s does not match %s", envAgePublicKey, envAgeSecretKey)
		}
		s.publicKey = key
	}
	return s, nil
}

// CanSign reports whether the signer holds a private key.
func (s *Signer) CanSign() bool {
	return s != nil && len(s.privateKey) > 0
}

// SignManifest stamps m with the signer identity and a signature over the
// rest of the manifest.
func (s *Signer) SignManifest(m *Manifest) error {
	if !s.CanSign() {
		return errors.New("signer configured without private key")
	}
	m.Signer = s.recipient
	m.SigningPublicKey = s.PublicKeyBase64()
	m.Signature = ""

	payload, err := m.SigningBytes()
	if err != nil {
		return fmt.Errorf("marshal manifest for signing: %w", err)
	}
	sig, err := s.Sign(payload)
	if err != nil {
		return err
	}
	m.Signature = sig
	return nil
}

// VerifyManifest checks the signature carried by m.
func (s *Signer) VerifyManifest(m Manifest) error {
	if m.Signature == "" {
		return errors.New("manifest missing signature")
	}
	payload, err := m.SigningBytes()
	if err != nil {
		return fmt.Errorf("marshal manifest for verification: %w", err)
	}
	return s.Verify(payload, m.Signature, m.SigningPublicKey)
}

// Sign returns a base64 Ed25519 signature over payload.
func (s *Signer) Sign(payload []byte) (string, error) {
	if !s.CanSign() {
		return "", errors.New("signer configured without private key")
	}
	return base64.StdEncoding.EncodeToString(ed25519.Sign(s.privateKey, payload)), nil
}

// Verify checks a base64 signature over payload. A key embedded in the
// manifest must match the configured one; with no configured key the embedded
// key is trusted.
func (s *Signer) Verify(payload []byte, signature, embeddedKey string) error {
	if s == nil {
		return errors.New("nil signer")
	}
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	if len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("invalid signature length %d", len(sig))
	}

	key := s.publicKey
	if embeddedKey != "" {
		embedded, err := parsePublicKey(embeddedKey)
		if err != nil {
			return fmt.Errorf("manifest public key: %w", err)
		}
		switch {
		case key == nil:
			key = embedded
		case !bytes.Equal(key, embedded):
			return errors.New("manifest signed by unexpected key")
		}
	}
	if key == nil {
		return errors.New("no public key available for verification")
	}
	if !ed25519.Verify(key, payload, sig) {
		return errors.New("signature verification failed")
	}
	return nil
}

// PublicKeyBase64 returns the Ed25519 public key in base64.
func (s *Signer) PublicKeyBase64() string {
	if s == nil || len(s.publicKey) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(s.publicKey)
}

// Recipient returns the age recipient of the secret key, if one was given.
func (s *Signer) Recipient() string {
	if s == nil {
		return ""
	}
	return s.recipient
}

func parsePublicKey(raw string) (ed25519.PublicKey, error) {
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}
	if len(decoded) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("want %d bytes, got %d", ed25519.PublicKeySize, len(decoded))
	}
	return ed25519.PublicKey(decoded), nil
}

// ageSeed extracts the 32-byte seed from an AGE-SECRET-KEY-1... string.
func ageSeed(raw string) ([]byte, error) {
	hrp, data, err := bech32.Decode(raw)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(hrp, ageSecretKeyHRP) {
		return nil, fmt.Errorf("unexpected hrp %q", hrp)
	}
	seed, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return nil, err
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("unexpected seed length %d", len(seed))
	}
	return seed, nil
}
