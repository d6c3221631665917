package engine

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"

	"github.com/agenthands/cortex/internal/core/model"
)

var (
	ErrNoModel        = errors.New("no model available for task kind")
	ErrModelSignature = errors.New("model signature does not verify")
	ErrModelTooLarge  = errors.New("model exceeds memory ceiling")
)

// Registry tracks distributed model descriptors and which of them are
// resident, keeping resident models under a memory ceiling by unloading
// the least recently used.
type Registry struct {
	keys    []ed25519.PublicKey
	ceiling int64
	logger  *log.Logger

	mu        sync.Mutex
	available map[string]model.ModelDescriptor
	loaded    map[string]uint64 // id -> last use tick
	tick      uint64
	bytes     int64
}

type InstallReport struct {
	Accepted []string          `json:"accepted"`
	Rejected map[string]string `json:"rejected,omitempty"`
}

func NewRegistry(keys []ed25519.PublicKey, ceiling int64, logger *log.Logger) *Registry {
	if ceiling <= 0 {
		ceiling = 150 << 20
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[models] ", log.LstdFlags)
	}
	return &Registry{
		keys:      keys,
		ceiling:   ceiling,
		logger:    logger,
		available: map[string]model.ModelDescriptor{},
		loaded:    map[string]uint64{},
	}
}

// DescriptorPayload is the byte string a model signature covers.
func DescriptorPayload(d model.ModelDescriptor) ([]byte, error) {
	d.Signature = ""
	return json.Marshal(d)
}

func SignDescriptor(d model.ModelDescriptor, key ed25519.PrivateKey) (string, error) {
	payload, err := DescriptorPayload(d)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ed25519.Sign(key, payload)), nil
}

func (r *Registry) verify(d model.ModelDescriptor) error {
	sig, err := base64.StdEncoding.DecodeString(d.Signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return ErrModelSignature
	}
	payload, err := DescriptorPayload(d)
	if err != nil {
		return err
	}
	for _, k := range r.keys {
		if ed25519.Verify(k, payload, sig) {
			return nil
		}
	}
	return ErrModelSignature
}

// Install adds verified descriptors. Descriptors with a bad signature or
// that could never fit under the ceiling are dropped and logged.
func (r *Registry) Install(descs []model.ModelDescriptor) InstallReport {
	report := InstallReport{Rejected: map[string]string{}}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range descs {
		if err := r.verify(d); err != nil {
			report.Rejected[d.ID] = err.Error()
			r.logger.Printf("Warning: dropping model %s: %v", d.ID, err)
			continue
		}
		if d.SizeBytes > r.ceiling {
			report.Rejected[d.ID] = ErrModelTooLarge.Error()
			r.logger.Printf("Warning: dropping model %s: %d bytes exceeds %d", d.ID, d.SizeBytes, r.ceiling)
			continue
		}
		if prev, ok := r.available[d.ID]; ok {
			if _, resident := r.loaded[d.ID]; resident {
				r.bytes += d.SizeBytes - prev.SizeBytes
			}
		}
		r.available[d.ID] = d
		report.Accepted = append(report.Accepted, d.ID)
	}
	r.evictOver(r.ceiling, "")
	return report
}

// Acquire returns a model supporting kind, loading it if needed. A resident
// model is preferred; otherwise the smallest candidate is loaded.
func (r *Registry) Acquire(kind model.Kind) (model.ModelDescriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var candidates []model.ModelDescriptor
	for _, d := range r.available {
		if d.Supports(kind) {
			if _, resident := r.loaded[d.ID]; resident {
				r.touch(d.ID)
				return d, nil
			}
			candidates = append(candidates, d)
		}
	}
	if len(candidates) == 0 {
		return model.ModelDescriptor{}, fmt.Errorf("%w: %s", ErrNoModel, kind)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].SizeBytes != candidates[j].SizeBytes {
			return candidates[i].SizeBytes < candidates[j].SizeBytes
		}
		return candidates[i].ID < candidates[j].ID
	})
	d := candidates[0]
	r.evictOver(r.ceiling-d.SizeBytes, d.ID)
	r.bytes += d.SizeBytes
	r.touch(d.ID)
	r.logger.Printf("loaded model %s (%d bytes, %d resident)", d.ID, d.SizeBytes, r.bytes)
	return d, nil
}

func (r *Registry) touch(id string) {
	r.tick++
	r.loaded[id] = r.tick
}

// evictOver unloads least recently used models until resident bytes are at
// most limit.
func (r *Registry) evictOver(limit int64, keep string) {
	for r.bytes > limit {
		victim, oldest := "", uint64(0)
		for id, t := range r.loaded {
			if id == keep {
				continue
			}
			if victim == "" || t < oldest {
				victim, oldest = id, t
			}
		}
		if victim == "" {
			return
		}
		r.bytes -= r.available[victim].SizeBytes
		delete(r.loaded, victim)
		r.logger.Printf("unloaded model %s", victim)
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.available)
}

// Resident returns loaded model ids, most recently used first.
func (r *Registry) Resident() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.loaded))
	for id := range r.loaded {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return r.loaded[ids[i]] > r.loaded[ids[j]] })
	return ids
}

func (r *Registry) ResidentBytes() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bytes
}
