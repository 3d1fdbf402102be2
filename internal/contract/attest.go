package contract

import (
	"context"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Signer signs and verifies server digests. Implementations may call out
// to a KMS, so both methods take a context.
type Signer interface {
	Name() string
	Sign(ctx context.Context, payload []byte) (string, error)
	Verify(ctx context.Context, payload []byte, signature string) (bool, error)
}

// HMACSigner signs with HMAC-SHA256 and hex-encodes the MAC.
type HMACSigner struct {
	secret []byte
}

// NewHMACSigner returns an HMAC-SHA256 signer. The secret must not be empty.
func NewHMACSigner(secret []byte) (*HMACSigner, error) {
	if len(secret) == 0 {
		return nil, errors.New("NewHMACSigner: empty secret")
	}
	return &HMACSigner{secret: append([]byte(nil), secret...)}, nil
}

func (s *HMACSigner) Name() string { return "hmac-sha256" }

func (s *HMACSigner) Sign(_ context.Context, payload []byte) (string, error) {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

func (s *HMACSigner) Verify(ctx context.Context, payload []byte, signature string) (bool, error) {
	want, _ := s.Sign(ctx, payload)
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false, nil
	}
	expected, _ := hex.DecodeString(want)
	return hmac.Equal(got, expected), nil
}

// Ed25519Signer signs with an Ed25519 key and base64-encodes the signature.
// A signer built from only a public key can verify but not sign.
type Ed25519Signer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

func NewEd25519Signer(priv ed25519.PrivateKey) *Ed25519Signer {
	return &Ed25519Signer{priv: priv, pub: priv.Public().(ed25519.PublicKey)}
}

func NewEd25519Verifier(pub ed25519.PublicKey) *Ed25519Signer {
	return &Ed25519Signer{pub: pub}
}

func (s *Ed25519Signer) Name() string { return "ed25519" }

func (s *Ed25519Signer) Sign(_ context.Context, payload []byte) (string, error) {
	if s.priv == nil {
		return "", errors.New("Ed25519Signer.Sign: no private key")
	}
	return base64.StdEncoding.EncodeToString(ed25519.Sign(s.priv, payload)), nil
}

func (s *Ed25519Signer) Verify(_ context.Context, payload []byte, signature string) (bool, error) {
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false, nil
	}
	return ed25519.Verify(s.pub, payload, sig), nil
}

// Attestation is a signed statement over a server digest.
type Attestation struct {
	Valid      bool      `json:"valid"`
	Digest     string    `json:"digest"`
	Signature  string    `json:"signature"`
	SignerName string    `json:"signerName"`
	AttestedAt time.Time `json:"attestedAt"`
}

func attestationPayload(digest string) []byte {
	return []byte(DigestPrefix + strings.TrimPrefix(digest, DigestPrefix))
}

// AttestServerDigest signs the server digest and checks the signature
// round-trips through the same signer.
func AttestServerDigest(ctx context.Context, sd ServerDigest, signer Signer) (Attestation, error) {
	payload := attestationPayload(sd.Digest)
	sig, err := signer.Sign(ctx, payload)
	if err != nil {
		return Attestation{}, fmt.Errorf("AttestServerDigest: sign: %w", err)
	}
	ok, err := signer.Verify(ctx, payload, sig)
	if err != nil {
		return Attestation{}, fmt.Errorf("AttestServerDigest: verify: %w", err)
	}
	return Attestation{
		Valid:      ok,
		Digest:     sd.Digest,
		Signature:  sig,
		SignerName: signer.Name(),
		AttestedAt: time.Now().UTC(),
	}, nil
}

// VerifyAttestation checks a stored attestation against the current digest.
func VerifyAttestation(ctx context.Context, sd ServerDigest, att Attestation, signer Signer) (bool, error) {
	if att.Digest != sd.Digest {
		return false, nil
	}
	return signer.Verify(ctx, attestationPayload(sd.Digest), att.Signature)
}

// AttestationError reports a pinned digest that does not match.
type AttestationError struct {
	Expected string
	Actual   string
}

func (e *AttestationError) Error() string {
	return fmt.Sprintf("capability pin mismatch: expected %s, got %s", e.Expected, e.Actual)
}

// Pin is an expected server digest.
type Pin struct {
	ExpectedDigest string
	FailOnMismatch bool
}

// PinResult is the outcome of VerifyCapabilityPin when it does not fail.
type PinResult struct {
	Valid bool
	Error string
}

// VerifyCapabilityPin compares the server digest with a pinned value. The
// "sha256:" prefix is optional on the pin. With FailOnMismatch a mismatch is
// returned as *AttestationError.
func VerifyCapabilityPin(sd ServerDigest, pin Pin) (PinResult, error) {
	expected := strings.TrimPrefix(pin.ExpectedDigest, DigestPrefix)
	if expected == sd.Digest {
		return PinResult{Valid: true}, nil
	}
	err := &AttestationError{Expected: expected, Actual: sd.Digest}
	if pin.FailOnMismatch {
		return PinResult{}, err
	}
	return PinResult{Valid: false, Error: err.Error()}, nil
}
