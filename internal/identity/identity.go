// Package identity holds the device credentials other components sign with.
// Key generation and storage here is a file-backed stand-in for the
// platform's secure storage.
package identity

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

type Identity struct {
	DeviceID   string
	PrivateKey ed25519.PrivateKey
	HMACKey    []byte
}

type stored struct {
	DeviceID string `json:"deviceId"`
	Seed     string `json:"seed"`
	HMACKey  string `json:"hmacKey"`
}

// New creates a fresh identity with a random device id and keys.
func New() (*Identity, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	mac := make([]byte, 32)
	if _, err := rand.Read(mac); err != nil {
		return nil, fmt.Errorf("generate hmac key: %w", err)
	}
	return &Identity{DeviceID: uuid.NewString(), PrivateKey: priv, HMACKey: mac}, nil
}

// LoadOrCreate reads the identity at path, creating and saving a new one if
// the file does not exist. A non-empty deviceID or hmacKey overrides the
// stored value.
func LoadOrCreate(path, deviceID, hmacKey string) (*Identity, error) {
	id, err := load(path)
	if errors.Is(err, os.ErrNotExist) {
		if id, err = New(); err != nil {
			return nil, err
		}
		if err := id.Save(path); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}
	if deviceID != "" {
		id.DeviceID = deviceID
	}
	if hmacKey != "" {
		id.HMACKey = []byte(hmacKey)
	}
	return id, nil
}

func load(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s stored
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse identity %s: %w", path, err)
	}
	seed, err := base64.StdEncoding.DecodeString(s.Seed)
	if err != nil || len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("identity %s: invalid signing seed", path)
	}
	mac, err := base64.StdEncoding.DecodeString(s.HMACKey)
	if err != nil {
		return nil, fmt.Errorf("identity %s: invalid hmac key: %w", path, err)
	}
	return &Identity{DeviceID: s.DeviceID, PrivateKey: ed25519.NewKeyFromSeed(seed), HMACKey: mac}, nil
}

func (i *Identity) Save(path string) error {
	data, err := json.MarshalIndent(stored{
		DeviceID: i.DeviceID,
		Seed:     base64.StdEncoding.EncodeToString(i.PrivateKey.Seed()),
		HMACKey:  base64.StdEncoding.EncodeToString(i.HMACKey),
	}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create identity dir: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

func (i *Identity) ID() string { return i.DeviceID }

func (i *Identity) PublicKey() ed25519.PublicKey {
	return i.PrivateKey.Public().(ed25519.PublicKey)
}

// Sign returns a base64 Ed25519 signature over msg.
func (i *Identity) Sign(msg []byte) string {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(i.PrivateKey, msg))
}

// MAC returns the hex HMAC-SHA256 of msg under the device request key.
func (i *Identity) MAC(msg []byte) string {
	h := hmac.New(sha256.New, i.HMACKey)
	h.Write(msg)
	return hex.EncodeToString(h.Sum(nil))
}
