// Package engine executes tasks on the device's local model.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/agenthands/cortex/internal/config"
	"github.com/agenthands/cortex/internal/core/model"
	"github.com/agenthands/cortex/internal/llm"
)

var ErrUnparseable = errors.New("model output could not be parsed")

// maxContextChars bounds each retrieved document in the prompt.
const maxContextChars = 500

type Engine struct {
	client   llm.Generator
	prompts  config.Prompts
	ranker   llm.Ranker
	registry *Registry
	logger   *log.Logger
}

type Option func(*Engine)

func WithRanker(r llm.Ranker) Option {
	return func(e *Engine) { e.ranker = r }
}

func WithRegistry(r *Registry) Option {
	return func(e *Engine) { e.registry = r }
}

func WithLogger(l *log.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

func New(client llm.Generator, prompts config.Prompts, opts ...Option) *Engine {
	e := &Engine{client: client, prompts: prompts}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}
	return e
}

// Execute runs task on the local model with the retrieved documents as
// context.
func (e *Engine) Execute(ctx context.Context, task model.Task, docs []model.RetrievalResult) (model.TaskResult, error) {
	if e.client == nil {
		return model.TaskResult{}, fmt.Errorf("no local model configured")
	}
	var modelID string
	if e.registry != nil && e.registry.Len() > 0 {
		desc, err := e.registry.Acquire(task.Kind())
		if err != nil {
			return model.TaskResult{}, err
		}
		modelID = desc.ID
	}

	prompt, err := e.Prompt(task, docs)
	if err != nil {
		return model.TaskResult{}, err
	}
	raw, err := e.client.Generate(ctx, prompt)
	if err != nil {
		return model.TaskResult{}, fmt.Errorf("local generate: %w", err)
	}
	res, err := e.Parse(ctx, task, raw)
	if err != nil {
		return model.TaskResult{}, err
	}
	res.ModelID = modelID
	return res, nil
}

// Prompt renders the kind's template with the retrieved context.
func (e *Engine) Prompt(task model.Task, docs []model.RetrievalResult) (string, error) {
	contextBlock := renderContext(docs)
	switch in := task.Input.(type) {
	case model.ChatInput:
		return fmt.Sprintf(e.prompts.Chat, contextBlock, in.Message), nil
	case model.ClassifyInput:
		return fmt.Sprintf(e.prompts.Classify, contextBlock, in.Text, strings.Join(in.Labels, ", ")), nil
	case model.ModerateInput:
		return fmt.Sprintf(e.prompts.Moderate, contextBlock, in.Text), nil
	case model.RecommendInput:
		return fmt.Sprintf(e.prompts.Recommend, contextBlock, strings.TrimSpace(in.Content()), strings.Join(in.Candidates, ", ")), nil
	default:
		return "", fmt.Errorf("no prompt for task kind %q", task.Kind())
	}
}

func renderContext(docs []model.RetrievalResult) string {
	if len(docs) == 0 {
		return "(none)"
	}
	var sb strings.Builder
	for i, r := range docs {
		content := r.Document.Content
		if len(content) > maxContextChars {
			content = content[:maxContextChars] + "..."
		}
		if r.Document.Title != "" {
			fmt.Fprintf(&sb, "[%d] %s: %s\n", i+1, r.Document.Title, content)
		} else {
			fmt.Fprintf(&sb, "[%d] %s\n", i+1, content)
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}
