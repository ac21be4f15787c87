package plugin

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Manifest defines the structure of a plugin's manifest.yaml file.
type Manifest struct {
	Name        string      `yaml:"name"`
	Version     string      `yaml:"version"`
	Protocol    int         `yaml:"protocol"`
	Entrypoint  string      `yaml:"entrypoint"`
	Description string      `yaml:"description,omitempty"`
	Timeout     string      `yaml:"timeout,omitempty"`    // Go duration; per group
	Extensions  []string    `yaml:"extensions,omitempty"` // informational
	ConfigKeys  *ConfigKeys `yaml:"config_keys,omitempty"`
}

// ConfigKeys defines required and optional parameter keys for a plugin.
type ConfigKeys struct {
	Required []string `yaml:"required,omitempty"`
	Optional []string `yaml:"optional,omitempty"`
}

// Plugin represents a discovered and validated extractor plugin.
type Plugin struct {
	Name        string // Extractor name; must not collide with a built-in
	Path        string // Absolute path to plugin directory
	Entrypoint  string // Absolute path to entrypoint executable
	Protocol    int
	Version     string
	Description string
	Timeout     time.Duration
	Extensions  []string
	ConfigKeys  *ConfigKeys
}

// CheckParams reports missing required keys and keys the manifest does not
// declare. A plugin without config_keys accepts anything.
func (p *Plugin) CheckParams(params map[string]any) error {
	if p.ConfigKeys == nil {
		return nil
	}
	var missing []string
	for _, k := range p.ConfigKeys.Required {
		if _, ok := params[k]; !ok {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("plugin %s: missing required params: %s", p.Name, strings.Join(missing, ", "))
	}

	known := make(map[string]bool)
	for _, k := range p.ConfigKeys.Required {
		known[k] = true
	}
	for _, k := range p.ConfigKeys.Optional {
		known[k] = true
	}
	var unknown []string
	for k := range params {
		if !known[k] {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("plugin %s: unknown params: %s", p.Name, strings.Join(unknown, ", "))
	}
	return nil
}
