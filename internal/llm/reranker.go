package llm

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var indexPattern = regexp.MustCompile(`\d+`)

// LLMRanker orders candidate items by asking a model for a ranking. It is
// the fallback for recommendation tasks whose structured output could not
// be parsed.
type LLMRanker struct {
	LLM Generator
}

func NewLLMRanker(client Generator) *LLMRanker {
	return &LLMRanker{LLM: client}
}

// Rank returns a permutation of candidate indices, best first. Indices the
// model omits keep their original order after the ranked ones.
func (r *LLMRanker) Rank(ctx context.Context, query string, candidates []string) ([]int, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	if len(candidates) == 1 {
		return []int{0}, nil
	}

	var list strings.Builder
	for i, c := range candidates {
		if len(c) > 200 {
			c = c[:200] + "..."
		}
		fmt.Fprintf(&list, "[%d] %s\n", i, c)
	}

	prompt := fmt.Sprintf(`Rank the candidate items by how well they fit the user.
User context: %s

Candidates:
%s
Output ONLY the indices of the candidates in order of fit, separated by commas.
Example: 0, 2, 1`, query, list.String())

	resp, err := r.LLM.Generate(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("rank candidates: %w", err)
	}
	return completePermutation(parseIndices(resp), len(candidates)), nil
}

func parseIndices(s string) []int {
	var indices []int
	for _, m := range indexPattern.FindAllString(s, -1) {
		if i, err := strconv.Atoi(m); err == nil {
			indices = append(indices, i)
		}
	}
	return indices
}

func completePermutation(ranked []int, n int) []int {
	seen := make([]bool, n)
	out := make([]int, 0, n)
	for _, i := range ranked {
		if i < 0 || i >= n || seen[i] {
			continue
		}
		seen[i] = true
		out = append(out, i)
	}
	for i := 0; i < n; i++ {
		if !seen[i] {
			out = append(out, i)
		}
	}
	return out
}
