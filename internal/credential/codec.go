// Package credential signs and verifies portable license credentials.
//
// Wire format: base64(canonical({"payload": base64(canonical(claims)),
// "signature": base64(sig)})) where sig is RSA PKCS#1 v1.5 over SHA-256 of
// the base64 payload text exactly as it appears in the envelope.
package credential

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"licensing/internal/domain"
)

const (
	envelopePayload   = "payload"
	envelopeSignature = "signature"
)

var (
	encoding = base64.StdEncoding
	decoding = base64.StdEncoding.Strict()
)

type Signer struct {
	key *rsa.PrivateKey
}

func NewSigner(key *rsa.PrivateKey) *Signer {
	return &Signer{key: key}
}

func (s *Signer) PublicKey() *rsa.PublicKey {
	return &s.key.PublicKey
}

func (s *Signer) Verifier() *Verifier {
	return NewVerifier(s.PublicKey())
}

func (s *Signer) Sign(claims Claims) (string, error) {
	payloadJSON, err := MarshalCanonical(claims)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalise claims: %w", err)
	}
	payload := encoding.EncodeToString(payloadJSON)

	digest := sha256.Sum256([]byte(payload))
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("failed to sign payload: %w", err)
	}

	envelope, err := MarshalCanonical(map[string]any{
		envelopePayload:   payload,
		envelopeSignature: encoding.EncodeToString(sig),
	})
	if err != nil {
		return "", fmt.Errorf("failed to canonicalise envelope: %w", err)
	}
	return encoding.EncodeToString(envelope), nil
}

type Verifier struct {
	key *rsa.PublicKey
}

func NewVerifier(key *rsa.PublicKey) *Verifier {
	return &Verifier{key: key}
}

// Verify returns the token's claims only when its signature checks out.
// Every failure is reported as domain.ErrInvalidCredential.
func (v *Verifier) Verify(token string) (Claims, error) {
	claims, err := v.verify(token)
	if err != nil {
		return nil, domain.ErrInvalidCredential
	}
	return claims, nil
}

func (v *Verifier) verify(token string) (Claims, error) {
	envelopeJSON, err := decodeStrict(token)
	if err != nil {
		return nil, err
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(envelopeJSON, &fields); err != nil {
		return nil, err
	}
	if len(fields) != 2 {
		return nil, fmt.Errorf("envelope must have exactly two fields")
	}
	payload, err := stringField(fields, envelopePayload)
	if err != nil {
		return nil, err
	}
	signature, err := stringField(fields, envelopeSignature)
	if err != nil {
		return nil, err
	}

	canonical, err := MarshalCanonical(map[string]any{
		envelopePayload:   payload,
		envelopeSignature: signature,
	})
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(canonical, envelopeJSON) {
		return nil, fmt.Errorf("envelope is not canonical")
	}

	sig, err := decodeStrict(signature)
	if err != nil {
		return nil, err
	}
	digest := sha256.Sum256([]byte(payload))
	if err := rsa.VerifyPKCS1v15(v.key, crypto.SHA256, digest[:], sig); err != nil {
		return nil, err
	}

	payloadJSON, err := decodeStrict(payload)
	if err != nil {
		return nil, err
	}
	return unmarshalFlat(payloadJSON)
}

func stringField(fields map[string]json.RawMessage, name string) (string, error) {
	raw, ok := fields[name]
	if !ok {
		return "", fmt.Errorf("missing %s", name)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("%s: %w", name, err)
	}
	return s, nil
}

// decodeStrict rejects line breaks, which the base64 decoder would otherwise
// skip silently.
func decodeStrict(s string) ([]byte, error) {
	if s == "" || strings.ContainsAny(s, "\r\n") {
		return nil, fmt.Errorf("malformed base64")
	}
	return decoding.DecodeString(s)
}
