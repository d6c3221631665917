package model

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

type Kind string

const (
	KindChat      Kind = "chat"
	KindClassify  Kind = "classify"
	KindModerate  Kind = "moderate"
	KindRecommend Kind = "recommend"
)

func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindChat, KindClassify, KindModerate, KindRecommend:
		return k, nil
	case "classification":
		return KindClassify, nil
	case "moderation":
		return KindModerate, nil
	case "recommendation":
		return KindRecommend, nil
	default:
		return "", fmt.Errorf("unknown task kind %q", s)
	}
}

// Input is the kind-specific payload of a Task. Each variant carries only
// the fields its kind needs.
type Input interface {
	Kind() Kind
	// Content is the text the task operates on; its length is the task's input size.
	Content() string
}

type ChatInput struct {
	Message string `json:"message"`
}

func (ChatInput) Kind() Kind         { return KindChat }
func (in ChatInput) Content() string { return in.Message }

type ClassifyInput struct {
	Text   string   `json:"text"`
	Labels []string `json:"labels"`
}

func (ClassifyInput) Kind() Kind { return KindClassify }
func (in ClassifyInput) Content() string {
	return in.Text
}

type ModerateInput struct {
	Text string `json:"text"`
}

func (ModerateInput) Kind() Kind         { return KindModerate }
func (in ModerateInput) Content() string { return in.Text }

type RecommendInput struct {
	Context    map[string]string `json:"context"`
	Candidates []string          `json:"candidates"`
	Limit      int               `json:"limit,omitempty"`
}

func (RecommendInput) Kind() Kind { return KindRecommend }

// Content renders the structured context deterministically so size and
// retrieval queries do not depend on map iteration order.
func (in RecommendInput) Content() string {
	keys := make([]string, 0, len(in.Context))
	for k := range in.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteString(": ")
		sb.WriteString(in.Context[k])
		sb.WriteString("\n")
	}
	return sb.String()
}

// DecodeInput parses a raw JSON payload into the variant for kind.
func DecodeInput(kind Kind, raw json.RawMessage) (Input, error) {
	var (
		in  Input
		err error
	)
	switch kind {
	case KindChat:
		var v ChatInput
		err = json.Unmarshal(raw, &v)
		in = v
	case KindClassify:
		var v ClassifyInput
		err = json.Unmarshal(raw, &v)
		if err == nil && len(v.Labels) == 0 {
			err = fmt.Errorf("classify input requires candidate labels")
		}
		in = v
	case KindModerate:
		var v ModerateInput
		err = json.Unmarshal(raw, &v)
		in = v
	case KindRecommend:
		var v RecommendInput
		err = json.Unmarshal(raw, &v)
		in = v
	default:
		return nil, fmt.Errorf("unknown task kind %q", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s input: %w", kind, err)
	}
	return in, nil
}

type Task struct {
	ID            string `json:"id"`
	Input         Input  `json:"-"`
	Priority      int    `json:"priority"`
	CostCap       int64  `json:"cost_cap,omitempty"` // 0 means no explicit cap
	CloudRequired bool   `json:"cloud_required,omitempty"`
}

func (t Task) Kind() Kind {
	if t.Input == nil {
		return ""
	}
	return t.Input.Kind()
}

func (t Task) InputSize() int {
	if t.Input == nil {
		return 0
	}
	return len(t.Input.Content())
}

type Venue string

const (
	VenueLocal  Venue = "local"
	VenueRemote Venue = "remote"
	VenueHybrid Venue = "hybrid"
)

type SecurityTier string

const (
	TierStandard SecurityTier = "standard"
	TierElevated SecurityTier = "elevated"
	TierCritical SecurityTier = "critical"
)

// TaskResult is the kind-specific output of an executed task. Only the
// fields of the task's kind are set.
type TaskResult struct {
	Kind       Kind     `json:"kind"`
	Text       string   `json:"text,omitempty"`
	Label      string   `json:"label,omitempty"`
	Flagged    bool     `json:"flagged,omitempty"`
	Categories []string `json:"categories,omitempty"`
	Items      []string `json:"items,omitempty"`
	Confidence float64  `json:"confidence"`
	ModelID    string   `json:"modelId,omitempty"`
}

// OutputSize is the number of bytes the result contributes to a task's
// actual cost.
func (r TaskResult) OutputSize() int {
	n := len(r.Text) + len(r.Label)
	for _, c := range r.Categories {
		n += len(c)
	}
	for _, it := range r.Items {
		n += len(it)
	}
	return n
}
