package policy

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ashureev/coursechat/internal/domain"
)

var errInvalidPolicy = errors.New("invalid policy")

// fileConfig is the on-disk override format.
type fileConfig struct {
	Policies      map[string]Policy   `yaml:"policies"`
	Templates     map[string]string   `yaml:"templates"`
	TopicKeywords map[string][]string `yaml:"topic_keywords"`
}

// LoadFile builds a table from the defaults overlaid with the YAML file at path.
// An empty path returns the defaults.
func LoadFile(path string) (*Table, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	t, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse policy file %s: %w", path, err)
	}
	return t, nil
}

// Parse overlays YAML-encoded overrides on the default table.
// A policy entry replaces the whole default policy for that context.
func Parse(data []byte) (*Table, error) {
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, err
	}

	t := Default()
	for name, p := range fc.Policies {
		c, ok := domain.ParseContext(name)
		if !ok {
			return nil, fmt.Errorf("%w: %q", domain.ErrUnknownContext, name)
		}
		if err := validate(p); err != nil {
			return nil, fmt.Errorf("context %s: %w", c, err)
		}
		t.policies[c.Index()] = p
	}
	for name, tpl := range fc.Templates {
		c, ok := domain.ParseContext(name)
		if !ok {
			return nil, fmt.Errorf("%w: %q", domain.ErrUnknownContext, name)
		}
		if strings.TrimSpace(tpl) != "" {
			t.templates[c.Index()] = tpl
		}
	}
	for topic, words := range fc.TopicKeywords {
		key := strings.ToLower(strings.TrimSpace(topic))
		if key == "" {
			continue
		}
		cleaned := make([]string, 0, len(words))
		for _, w := range words {
			if w = strings.TrimSpace(w); w != "" {
				cleaned = append(cleaned, w)
			}
		}
		t.keywords[key] = cleaned
	}
	return t, nil
}

func validate(p Policy) error {
	if p.Temperature < 0 || p.Temperature > 2 {
		return fmt.Errorf("%w: temperature %v out of range [0,2]", errInvalidPolicy, p.Temperature)
	}
	if p.MaxOutputTokens <= 0 {
		return fmt.Errorf("%w: max_output_tokens must be > 0", errInvalidPolicy)
	}
	if p.AutoContinue.MaxRounds < 0 || p.AutoContinue.ContinuationMaxTokens < 0 {
		return fmt.Errorf("%w: auto_continue values must be >= 0", errInvalidPolicy)
	}
	return nil
}
