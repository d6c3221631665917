package policy

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/agenthands/cortex/internal/core/model"
)

// IsPolicyFile reports whether path has an extension LoadDir understands.
func IsPolicyFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".yaml", ".yml":
		return true
	}
	return false
}

// ParseFile decodes one policy document (JSON or YAML). A file may hold a
// single policy or a list of them.
func ParseFile(path string) ([]model.Policy, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return Parse(b, strings.ToLower(filepath.Ext(path)))
}

func Parse(b []byte, ext string) ([]model.Policy, error) {
	unmarshal := json.Unmarshal
	if ext == ".yaml" || ext == ".yml" {
		unmarshal = yaml.Unmarshal
	}

	var many []model.Policy
	if err := unmarshal(b, &many); err == nil {
		return many, nil
	}
	var one model.Policy
	if err := unmarshal(b, &one); err != nil {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}
	if one.ID == "" {
		return nil, fmt.Errorf("parse policy file: missing id")
	}
	return []model.Policy{one}, nil
}

// LoadDir reads every policy file in dir in name order. Malformed files are
// logged and skipped so one bad artifact cannot block the rest.
func LoadDir(dir string, logger *log.Logger) ([]model.Policy, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read policy dir '%s': %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !IsPolicyFile(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	var out []model.Policy
	for _, name := range names {
		ps, err := ParseFile(filepath.Join(dir, name))
		if err != nil {
			if logger != nil {
				logger.Printf("Warning: skipping policy file %s: %v", name, err)
			}
			continue
		}
		out = append(out, ps...)
	}
	return out, nil
}
