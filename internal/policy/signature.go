package policy

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/agenthands/cortex/internal/core/model"
)

var ErrBadSignature = errors.New("policy signature does not verify")

// Verifier checks a policy's signature against its canonical payload.
type Verifier interface {
	Verify(p model.Policy) error
}

// CanonicalPayload is the byte string a policy signature covers: the JSON
// encoding of the policy with its signature field emptied.
func CanonicalPayload(p model.Policy) ([]byte, error) {
	p.Signature = ""
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode policy %s: %w", p.ID, err)
	}
	return b, nil
}

// Sign returns the base64 Ed25519 signature for p.
func Sign(p model.Policy, key ed25519.PrivateKey) (string, error) {
	payload, err := CanonicalPayload(p)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ed25519.Sign(key, payload)), nil
}

// Ed25519Verifier accepts a policy signed by any of its keys, which lets the
// authority rotate keys without a flag day.
type Ed25519Verifier struct {
	Keys []ed25519.PublicKey
}

func NewEd25519Verifier(keys ...ed25519.PublicKey) *Ed25519Verifier {
	return &Ed25519Verifier{Keys: keys}
}

// ParsePublicKeys decodes base64 Ed25519 public keys.
func ParsePublicKeys(encoded []string) ([]ed25519.PublicKey, error) {
	keys := make([]ed25519.PublicKey, 0, len(encoded))
	for _, s := range encoded {
		raw, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("decode policy key: %w", err)
		}
		if len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("policy key has %d bytes, want %d", len(raw), ed25519.PublicKeySize)
		}
		keys = append(keys, ed25519.PublicKey(raw))
	}
	return keys, nil
}

func (v *Ed25519Verifier) Verify(p model.Policy) error {
	if v == nil || len(v.Keys) == 0 {
		return fmt.Errorf("%w: no verification keys configured", ErrBadSignature)
	}
	sig, err := base64.StdEncoding.DecodeString(p.Signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return ErrBadSignature
	}
	payload, err := CanonicalPayload(p)
	if err != nil {
		return err
	}
	for _, k := range v.Keys {
		if ed25519.Verify(k, payload, sig) {
			return nil
		}
	}
	return ErrBadSignature
}
