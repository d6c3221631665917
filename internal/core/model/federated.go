package model

import "time"

type FederatedRound struct {
	ID                  string    `json:"id"`
	ModelID             string    `json:"modelId"`
	MinParticipants     int       `json:"minParticipants"`
	MaxParticipants     int       `json:"maxParticipants"`
	CurrentParticipants int       `json:"currentParticipants"`
	StartsAt            time.Time `json:"startsAt"`
	EndsAt              time.Time `json:"endsAt"`
	Aggregation         string    `json:"aggregation"` // e.g. "fedavg", "secure_aggregation"
}

func (r FederatedRound) Open(now time.Time) bool {
	if !r.StartsAt.IsZero() && now.Before(r.StartsAt) {
		return false
	}
	if r.MaxParticipants > 0 && r.CurrentParticipants >= r.MaxParticipants {
		return false
	}
	return now.Before(r.EndsAt)
}

func (r FederatedRound) NeedsParticipants() bool {
	return r.CurrentParticipants < r.MinParticipants
}

type ModelUpdate struct {
	RoundID     string    `json:"roundId"`
	DeviceID    string    `json:"deviceId"`
	NoisedDelta []float64 `json:"noisedDelta"`
	SampleCount int       `json:"sampleCount"`
	Signature   string    `json:"signature"`
	Timestamp   time.Time `json:"timestamp"`
}

type ModelDescriptor struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	SizeBytes    int64    `json:"sizeBytes"`
	Capabilities []string `json:"capabilities"`
	Quantization string   `json:"quantization"`
	Signature    string   `json:"signature"`
}

func (m ModelDescriptor) Supports(kind Kind) bool {
	for _, c := range m.Capabilities {
		if Kind(c) == kind {
			return true
		}
	}
	return false
}
