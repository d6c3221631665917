package federated

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"

	"github.com/agenthands/cortex/internal/core/model"
)

// Sample is an aggregate of local observations under one key. Count is the
// number of observations folded into Features.
type Sample struct {
	Key      string
	Features []float64
	Count    int
}

type Trainer interface {
	Samples(modelID string) []Sample
	// Train returns a parameter delta of the model's fixed length.
	Train(ctx context.Context, round model.FederatedRound, samples []Sample) ([]float64, error)
}

// OutcomeTrainer learns per-kind task outcome statistics (confidence,
// latency, cost, failure rate) from completed tasks. Its delta is the
// shift of those statistics since the last submitted round, scattered into
// a fixed-length vector by feature hashing.
type OutcomeTrainer struct {
	length int

	mu       sync.Mutex
	sums     map[string][]float64
	counts   map[string]int
	baseline map[string][]float64
}

const outcomeFeatures = 4

func NewOutcomeTrainer(deltaLength int) *OutcomeTrainer {
	return &OutcomeTrainer{
		length:   deltaLength,
		sums:     map[string][]float64{},
		counts:   map[string]int{},
		baseline: map[string][]float64{},
	}
}

// Record folds a completed task into the local samples.
func (t *OutcomeTrainer) Record(e model.TelemetryEvent) {
	failed := 0.0
	if e.Failed {
		failed = 1
	}
	f := []float64{e.Confidence, e.Latency.Seconds(), float64(e.ActualCost) / 1000, failed}

	t.mu.Lock()
	defer t.mu.Unlock()
	key := string(e.Kind)
	sum, ok := t.sums[key]
	if !ok {
		sum = make([]float64, outcomeFeatures)
		t.sums[key] = sum
	}
	for i := range f {
		sum[i] += f[i]
	}
	t.counts[key]++
}

func (t *OutcomeTrainer) Samples(string) []Sample {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Sample, 0, len(t.sums))
	for key, sum := range t.sums {
		n := t.counts[key]
		mean := make([]float64, len(sum))
		for i, v := range sum {
			mean[i] = v / float64(n)
		}
		out = append(out, Sample{Key: key, Features: mean, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (t *OutcomeTrainer) Train(ctx context.Context, _ model.FederatedRound, samples []Sample) ([]float64, error) {
	if t.length <= 0 {
		return nil, fmt.Errorf("trainer has no delta length")
	}
	total := 0
	for _, s := range samples {
		total += s.Count
	}
	if total == 0 {
		return nil, fmt.Errorf("no samples to train on")
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	delta := make([]float64, t.length)
	for _, s := range samples {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		weight := float64(s.Count) / float64(total)
		base := t.baseline[s.Key]
		for i, v := range s.Features {
			if i < len(base) {
				v -= base[i]
			}
			delta[slot(s.Key, i, t.length)] += weight * v
		}
		t.baseline[s.Key] = append([]float64(nil), s.Features...)
	}
	return delta, nil
}

func slot(key string, feature, length int) int {
	h := fnv.New32a()
	fmt.Fprintf(h, "%s/%d", key, feature)
	return int(h.Sum32() % uint32(length))
}
