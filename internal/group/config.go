package group

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/siphon/internal/tree"
)

// DefaultOverrideFile is the per-directory override looked for during a walk.
const DefaultOverrideFile = ".siphon-group.yaml"

// Format is one named grouping rule. Files whose lower-cased name contains
// any Match substring belong to the rule.
type Format struct {
	Name       string                    `yaml:"name"`
	Match      []string                  `yaml:"match"`
	Extractors []string                  `yaml:"extractors,omitempty"`
	Params     map[string]map[string]any `yaml:"params,omitempty"`
}

// Config drives grouping. Formats are tried in order; the first rule with a
// matching substring wins.
type Config struct {
	GroupByDir bool     `yaml:"group_by_dir"`
	Formats    []Format `yaml:"formats"`
	Ignore     []string `yaml:"ignore,omitempty"`
}

// LoadConfig reads a grouping config file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read grouping config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse grouping config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate rejects rules that could never match.
func (c Config) Validate() error {
	seen := map[string]bool{}
	for i, f := range c.Formats {
		if strings.TrimSpace(f.Name) == "" {
			return fmt.Errorf("format %d: name is empty", i)
		}
		if seen[f.Name] {
			return fmt.Errorf("format %q defined twice", f.Name)
		}
		seen[f.Name] = true
		if len(f.Match) == 0 {
			return fmt.Errorf("format %q: match is empty", f.Name)
		}
		for _, m := range f.Match {
			if m == "" {
				return fmt.Errorf("format %q: empty match substring", f.Name)
			}
		}
	}
	return nil
}

// Overlay merges an override document into c: list fields are appended and
// scalars replaced. A format listed again by name extends the earlier rule.
func (c Config) Overlay(override map[string]any) (Config, error) {
	base, err := toNode(c)
	if err != nil {
		return c, err
	}
	merged := tree.Merge(base, tree.FromAny(override), tree.Override)

	out, err := fromNode(merged)
	if err != nil {
		return c, err
	}
	out.Formats = foldFormats(out.Formats)
	return out, out.Validate()
}

// foldFormats collapses rules sharing a name into the first occurrence.
func foldFormats(formats []Format) []Format {
	index := map[string]int{}
	var out []Format
	for _, f := range formats {
		i, ok := index[f.Name]
		if !ok {
			index[f.Name] = len(out)
			out = append(out, f)
			continue
		}
		prev := tree.FromAny(formatMap(out[i]))
		next := tree.FromAny(formatMap(f))
		merged := tree.Merge(prev, next, tree.Override)
		var folded Format
		if err := remarshal(merged.Any(), &folded); err == nil {
			out[i] = folded
		}
	}
	return out
}

func formatMap(f Format) map[string]any {
	var m map[string]any
	_ = remarshal(f, &m)
	return m
}

func toNode(c Config) (tree.Node, error) {
	var m map[string]any
	if err := remarshal(c, &m); err != nil {
		return tree.Node{}, fmt.Errorf("encode grouping config: %w", err)
	}
	return tree.FromAny(m), nil
}

func fromNode(n tree.Node) (Config, error) {
	var c Config
	if err := remarshal(n.Any(), &c); err != nil {
		return Config{}, fmt.Errorf("decode grouping config: %w", err)
	}
	return c, nil
}

func remarshal(in, out any) error {
	data, err := yaml.Marshal(in)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, out)
}
