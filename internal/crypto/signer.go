package crypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
)

// Signer errors
var (
	ErrMissingPrivateKey = errors.New("signing private key not provided")
	ErrMissingPublicKey  = errors.New("signing public key not provided")
	ErrMissingHMACSecret = errors.New("HMAC secret not provided")
	ErrInvalidKeyPEM     = errors.New("invalid key PEM")
	ErrSelfTestFailed    = errors.New("signer self-test failed")
)

// MinHMACSecretLen is the minimum accepted HMAC secret length in bytes
const MinHMACSecretLen = 32

// KeyMaterial holds the raw signing inputs loaded at startup.
// The private and public keys are PEM-encoded; the HMAC secret is opaque.
type KeyMaterial struct {
	PrivateKeyPEM string
	PublicKeyPEM  string
	HMACSecret    string
}

// Signer produces and verifies combined ECDSA P-256 + HMAC-SHA256 signatures.
// A Signer is immutable after construction and safe for concurrent use.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	publicKey  *ecdsa.PublicKey
	hmacSecret []byte
}

// NewSigner constructs a Signer from key material and runs a sign/verify
// self-test. Any failure here is fatal: the service must not start without
// a working signer.
func NewSigner(material KeyMaterial) (*Signer, error) {
	if material.PrivateKeyPEM == "" {
		return nil, ErrMissingPrivateKey
	}
	if material.PublicKeyPEM == "" {
		return nil, ErrMissingPublicKey
	}
	if material.HMACSecret == "" {
		return nil, ErrMissingHMACSecret
	}
	if len(material.HMACSecret) < MinHMACSecretLen {
		return nil, fmt.Errorf("HMAC secret too short: %d bytes, need at least %d", len(material.HMACSecret), MinHMACSecretLen)
	}

	privateKey, err := parsePrivateKey(material.PrivateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	publicKey, err := parsePublicKey(material.PublicKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}

	s := &Signer{
		privateKey: privateKey,
		publicKey:  publicKey,
		hmacSecret: []byte(material.HMACSecret),
	}

	// Round-trip self-test catches a mismatched key pair before any key
	// is ever signed with it.
	probe := "keyforge-signer-selftest"
	combined, err := s.SignCombined(probe)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSelfTestFailed, err)
	}
	if !s.VerifyCombined(probe, combined) {
		return nil, ErrSelfTestFailed
	}

	return s, nil
}

// Sign produces an ECDSA P-256 signature over the SHA-256 digest of data.
// ECDSA signing is randomized: repeated calls over the same data yield
// different signature bytes, all verifiable against the same public key.
func (s *Signer) Sign(data string) ([]byte, error) {
	digest := sha256.Sum256([]byte(data))
	sig, err := ecdsa.SignASN1(rand.Reader, s.privateKey, digest[:])
	if err != nil {
		return nil, fmt.Errorf("failed to sign data: %w", err)
	}
	return sig, nil
}

// VerifySignature checks an ECDSA signature over data.
// Malformed signatures verify false; this never returns an error.
func (s *Signer) VerifySignature(data string, sig []byte) bool {
	digest := sha256.Sum256([]byte(data))
	return ecdsa.VerifyASN1(s.publicKey, digest[:], sig)
}

// GenerateHMAC computes the HMAC-SHA256 digest of data under the shared secret
func (s *Signer) GenerateHMAC(data string) []byte {
	mac := hmac.New(sha256.New, s.hmacSecret)
	mac.Write([]byte(data))
	return mac.Sum(nil)
}

// VerifyHMAC checks a digest against data using a constant-time comparison
func (s *Signer) VerifyHMAC(data string, digest []byte) bool {
	return hmac.Equal(s.GenerateHMAC(data), digest)
}

// SignCombined produces "base64(signature).base64(hmac)" over data.
// The HMAC covers data plus the signature bytes, binding it to this
// specific signature instance.
func (s *Signer) SignCombined(data string) (string, error) {
	sig, err := s.Sign(data)
	if err != nil {
		return "", err
	}
	digest := s.GenerateHMAC(data + string(sig))
	return base64.StdEncoding.EncodeToString(sig) + "." + base64.StdEncoding.EncodeToString(digest), nil
}

// VerifyCombined checks a combined signature against data. The HMAC half is
// checked first: it is cheap and rejects the bulk of tampered or guessed
// values before the more expensive ECDSA verification runs.
func (s *Signer) VerifyCombined(data, combined string) bool {
	parts := strings.Split(combined, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return false
	}

	// Strict decoding rejects non-canonical encodings, so no two distinct
	// combined strings ever decode to the same signature bytes.
	sig, err := base64.StdEncoding.Strict().DecodeString(parts[0])
	if err != nil {
		return false
	}
	digest, err := base64.StdEncoding.Strict().DecodeString(parts[1])
	if err != nil {
		return false
	}

	if !s.VerifyHMAC(data+string(sig), digest) {
		return false
	}
	return s.VerifySignature(data, sig)
}

// PublicKey returns the verification key
func (s *Signer) PublicKey() *ecdsa.PublicKey {
	return s.publicKey
}

func parsePrivateKey(pemData string) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, ErrInvalidKeyPEM
	}

	switch block.Type {
	case "EC PRIVATE KEY":
		key, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		return checkCurve(key)
	case "PRIVATE KEY":
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		key, ok := parsed.(*ecdsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("unsupported private key type %T", parsed)
		}
		return checkCurve(key)
	default:
		return nil, fmt.Errorf("unexpected PEM block type %q", block.Type)
	}
}

func parsePublicKey(pemData string) (*ecdsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, ErrInvalidKeyPEM
	}

	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("unsupported public key type %T", parsed)
	}
	if key.Curve != elliptic.P256() {
		return nil, fmt.Errorf("unsupported curve %s, want P-256", key.Curve.Params().Name)
	}
	return key, nil
}

func checkCurve(key *ecdsa.PrivateKey) (*ecdsa.PrivateKey, error) {
	if key.Curve != elliptic.P256() {
		return nil, fmt.Errorf("unsupported curve %s, want P-256", key.Curve.Params().Name)
	}
	return key, nil
}
