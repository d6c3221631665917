package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/agenthands/cortex/internal/core/common"
	"github.com/agenthands/cortex/internal/core/model"
)

// Confidence assigned when a model answered in prose instead of JSON.
const proseConfidence = 0.4

type chatOutput struct {
	Text       string   `json:"text"`
	Confidence *float64 `json:"confidence"`
}

type classifyOutput struct {
	Label      string   `json:"label"`
	Confidence *float64 `json:"confidence"`
}

type moderateOutput struct {
	Flagged    bool     `json:"flagged"`
	Categories []string `json:"categories"`
	Confidence *float64 `json:"confidence"`
}

type recommendOutput struct {
	Items      []string `json:"items"`
	Confidence *float64 `json:"confidence"`
}

// Parse turns raw model output into a result for task. Local and remote
// executions share it.
func (e *Engine) Parse(ctx context.Context, task model.Task, raw string) (model.TaskResult, error) {
	res := model.TaskResult{Kind: task.Kind()}
	switch in := task.Input.(type) {
	case model.ChatInput:
		out, err := common.ParseJSON[chatOutput](raw)
		if err != nil || strings.TrimSpace(out.Text) == "" {
			text := strings.TrimSpace(raw)
			if text == "" {
				return res, fmt.Errorf("%w: empty chat reply", ErrUnparseable)
			}
			res.Text, res.Confidence = text, proseConfidence
			return res, nil
		}
		res.Text, res.Confidence = out.Text, confidence(out.Confidence, proseConfidence)

	case model.ClassifyInput:
		out, err := common.ParseJSON[classifyOutput](raw)
		if err == nil {
			if label, ok := matchLabel(out.Label, in.Labels); ok {
				res.Label, res.Confidence = label, confidence(out.Confidence, proseConfidence)
				return res, nil
			}
		}
		label, ok := mentionedLabel(raw, in.Labels)
		if !ok {
			return res, fmt.Errorf("%w: no candidate label in classification", ErrUnparseable)
		}
		res.Label, res.Confidence = label, proseConfidence

	case model.ModerateInput:
		out, err := common.ParseJSON[moderateOutput](raw)
		if err != nil {
			return res, fmt.Errorf("%w: %v", ErrUnparseable, err)
		}
		res.Flagged, res.Categories = out.Flagged, out.Categories
		res.Confidence = confidence(out.Confidence, proseConfidence)

	case model.RecommendInput:
		items, conf, err := e.recommend(ctx, in, raw)
		if err != nil {
			return res, err
		}
		res.Items, res.Confidence = items, conf

	default:
		return res, fmt.Errorf("%w: unknown task kind %q", ErrUnparseable, task.Kind())
	}
	return res, nil
}

func (e *Engine) recommend(ctx context.Context, in model.RecommendInput, raw string) ([]string, float64, error) {
	limit := in.Limit
	if limit <= 0 || limit > len(in.Candidates) {
		limit = len(in.Candidates)
	}

	out, err := common.ParseJSON[recommendOutput](raw)
	if err == nil {
		items := keepCandidates(out.Items, in.Candidates)
		if len(items) > 0 {
			if len(items) > limit {
				items = items[:limit]
			}
			return items, confidence(out.Confidence, proseConfidence), nil
		}
	}
	if e.ranker == nil {
		if err == nil {
			err = errors.New("no known candidates in output")
		}
		return nil, 0, fmt.Errorf("%w: %v", ErrUnparseable, err)
	}

	order, rerr := e.ranker.Rank(ctx, strings.TrimSpace(in.Content()), in.Candidates)
	if rerr != nil {
		return nil, 0, fmt.Errorf("%w: rank fallback: %v", ErrUnparseable, rerr)
	}
	items := make([]string, 0, limit)
	for _, i := range order {
		if i >= 0 && i < len(in.Candidates) && len(items) < limit {
			items = append(items, in.Candidates[i])
		}
	}
	return items, proseConfidence, nil
}

func confidence(v *float64, fallback float64) float64 {
	if v == nil {
		return fallback
	}
	switch c := *v; {
	case c < 0:
		return 0
	case c > 1:
		return 1
	default:
		return c
	}
}

func matchLabel(label string, labels []string) (string, bool) {
	label = strings.TrimSpace(label)
	for _, l := range labels {
		if strings.EqualFold(l, label) {
			return l, true
		}
	}
	return "", false
}

// mentionedLabel returns the candidate label appearing earliest in text.
func mentionedLabel(text string, labels []string) (string, bool) {
	lower := strings.ToLower(text)
	best, bestAt := "", -1
	for _, l := range labels {
		at := strings.Index(lower, strings.ToLower(l))
		if at >= 0 && (bestAt < 0 || at < bestAt) {
			best, bestAt = l, at
		}
	}
	return best, bestAt >= 0
}

func keepCandidates(items, candidates []string) []string {
	allowed := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		allowed[c] = true
	}
	seen := map[string]bool{}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if allowed[it] && !seen[it] {
			seen[it] = true
			out = append(out, it)
		}
	}
	return out
}
