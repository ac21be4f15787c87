package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/siphon/internal/group"
	"github.com/mattjoyce/siphon/internal/tree"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads configuration from a file, or from config.yaml inside a
// directory. Files named in the include array are merged over the root in
// order: maps merge key by key, lists are appended and scalars from later
// files win.
func Load(configPath string) (*Config, error) {
	absPath, err := resolveRoot(configPath)
	if err != nil {
		return nil, err
	}

	visited := map[string]bool{absPath: true}
	files := []string{absPath}
	merged, err := loadTree(absPath, visited, &files)
	if err != nil {
		return nil, err
	}

	if err := verifyAllConfigHashes(files); err != nil {
		return nil, err
	}

	cfg := Defaults()
	data, err := yaml.Marshal(merged.Any())
	if err != nil {
		return nil, fmt.Errorf("encode merged config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	cfg.Include = nil
	cfg.Files = files

	if cfg.Extraction.GroupingFile != "" {
		if len(cfg.Extraction.Grouping.Formats) > 0 || cfg.Extraction.Grouping.GroupByDir {
			return nil, fmt.Errorf("invalid configuration: set extraction.grouping or extraction.grouping_file, not both")
		}
		path := cfg.Extraction.GroupingFile
		if !filepath.IsAbs(path) {
			path = filepath.Join(filepath.Dir(absPath), path)
		}
		g, err := group.LoadConfig(path)
		if err != nil {
			return nil, fmt.Errorf("extraction.grouping_file: %w", err)
		}
		cfg.Extraction.Grouping = g
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ConfigEnv names the environment variable that points at the config.
const ConfigEnv = "SIPHON_CONFIG"

// Discover finds the config when --config is not given: $SIPHON_CONFIG,
// then ~/.config/siphon, then /etc/siphon, then ./config.yaml.
func Discover() (string, error) {
	if p := os.Getenv(ConfigEnv); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		userDir := filepath.Join(homeDir, ".config", "siphon")
		if _, err := os.Stat(userDir); err == nil {
			return userDir, nil
		}
	}
	if _, err := os.Stat("/etc/siphon"); err == nil {
		return "/etc/siphon", nil
	}
	if _, err := os.Stat("./config.yaml"); err == nil {
		return "./config.yaml", nil
	}
	return "", fmt.Errorf("no config found (checked: $%s, ~/.config/siphon, /etc/siphon, ./config.yaml)", ConfigEnv)
}

func resolveRoot(configPath string) (string, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return "", fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}
	return absPath, nil
}

// loadTree parses path and folds its includes over it, depth first.
func loadTree(path string, visited map[string]bool, files *[]string) (tree.Node, error) {
	doc, err := loadDocument(path)
	if err != nil {
		return tree.Node{}, err
	}

	includes, err := includeList(doc)
	if err != nil {
		return tree.Node{}, fmt.Errorf("%s: %w", path, err)
	}

	merged := tree.FromAny(doc)
	baseDir := filepath.Dir(path)
	for i, inc := range includes {
		inc = interpolateEnv(inc)
		resolved := inc
		if !filepath.IsAbs(resolved) {
			resolved = filepath.Join(baseDir, resolved)
		}
		absInc, err := filepath.Abs(resolved)
		if err != nil {
			return tree.Node{}, fmt.Errorf("include[%d]: failed to resolve path %q: %w", i, inc, err)
		}
		if visited[absInc] {
			return tree.Node{}, fmt.Errorf("include[%d]: circular dependency detected: %s", i, absInc)
		}
		if _, err := os.Stat(absInc); err != nil {
			return tree.Node{}, fmt.Errorf("include[%d]: file not found: %s\n"+
				"Referenced from: %s\n"+
				"Hint: Check the path is correct and the file exists", i, absInc, path)
		}
		visited[absInc] = true
		*files = append(*files, absInc)

		sub, err := loadTree(absInc, visited, files)
		if err != nil {
			return tree.Node{}, fmt.Errorf("include[%d] (%s): %w", i, inc, err)
		}
		merged = tree.Merge(merged, sub, tree.Override)
	}
	return merged, nil
}

// loadDocument reads one YAML file with ${VAR} interpolation applied.
func loadDocument(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), &doc); err != nil {
		return nil, fmt.Errorf("failed to parse YAML in %s: %w", path, err)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	return doc, nil
}

// includeList pops the include key off doc.
func includeList(doc map[string]any) ([]string, error) {
	raw, ok := doc["include"]
	delete(doc, "include")
	if !ok || raw == nil {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("include must be a list of paths")
	}
	out := make([]string, 0, len(list))
	for i, v := range list {
		s, ok := v.(string)
		if !ok || strings.TrimSpace(s) == "" {
			return nil, fmt.Errorf("include[%d] must be a non-empty path", i)
		}
		out = append(out, s)
	}
	return out, nil
}

func verifyAllConfigHashes(paths []string) error {
	// Group paths by directory to avoid loading the same checksums file multiple times
	dirToFiles := make(map[string][]string)
	for _, path := range paths {
		dir := filepath.Dir(path)
		dirToFiles[dir] = append(dirToFiles[dir], path)
	}

	for dir, files := range dirToFiles {
		checksums, err := LoadChecksums(dir)
		if err != nil {
			// No .checksums: this directory is not locked.
			continue
		}
		for _, path := range files {
			basename := filepath.Base(path)
			expectedHash, ok := checksums.Hashes[basename]
			if !ok {
				return fmt.Errorf("config file %s has no hash in checksums at %s\n"+
					"Run: siphon config lock --config %s", basename, dir, dir)
			}
			if err := VerifyFileHash(path, expectedHash); err != nil {
				return fmt.Errorf("config verification failed for %s: %w\n"+
					"This indicates tampering or unauthorized modification.\n"+
					"If you edited this file intentionally, run: siphon config lock --config %s", path, err, dir)
			}
		}
	}
	return nil
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		// Left in place; validate reports it for fields that matter.
		return match
	})
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(cfg.Service.LogLevel)] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}
	if cfg.Workspace.Dir == "" {
		return fmt.Errorf("workspace.dir is required")
	}

	if cfg.Dispatcher.MaxConcurrent <= 0 {
		return fmt.Errorf("dispatcher.max_concurrent must be positive")
	}
	if cfg.Dispatcher.Visibility <= 0 {
		return fmt.Errorf("dispatcher.visibility_timeout must be positive")
	}
	if cfg.Supersede.MaxWait <= 0 || cfg.Supersede.PollInterval <= 0 {
		return fmt.Errorf("supersede.poll_interval and supersede.max_wait must be positive")
	}
	if cfg.Supersede.PollInterval > cfg.Supersede.MaxWait {
		return fmt.Errorf("supersede.poll_interval must not exceed supersede.max_wait")
	}

	if cfg.Extraction.Workers <= 0 {
		return fmt.Errorf("extraction.workers must be positive")
	}
	switch cfg.Extraction.Isolation {
	case "process", "local":
	default:
		return fmt.Errorf("extraction.isolation must be one of: process, local (got %q)", cfg.Extraction.Isolation)
	}
	if err := cfg.Extraction.Grouping.Validate(); err != nil {
		return fmt.Errorf("extraction.grouping: %w", err)
	}

	switch cfg.Index.Backend {
	case "memory":
	case "http":
		if cfg.Index.URL == "" {
			return fmt.Errorf("index.url is required for the http backend")
		}
		if err := unresolved("index.token", cfg.Index.Token); err != nil {
			return err
		}
	default:
		return fmt.Errorf("index.backend must be one of: http, memory (got %q)", cfg.Index.Backend)
	}
	if cfg.Index.Name == "" {
		return fmt.Errorf("index.name is required")
	}
	if cfg.Index.BatchSize <= 0 {
		return fmt.Errorf("index.batch_size must be positive")
	}

	if cfg.Publish.Backup.Enabled && cfg.Publish.Backup.Dir == "" {
		return fmt.Errorf("publish.backup.dir is required when backup is enabled")
	}
	if cfg.Publish.S3.Enabled && cfg.Publish.S3.Bucket == "" {
		return fmt.Errorf("publish.s3.bucket is required when s3 publication is enabled")
	}
	for name, target := range map[string]WebhookTarget{
		"publish.integration": cfg.Publish.Integration,
		"publish.registry":    cfg.Publish.Registry,
	} {
		if !target.Enabled {
			continue
		}
		if target.URL == "" {
			return fmt.Errorf("%s.url is required when enabled", name)
		}
		if target.Secret == "" {
			return fmt.Errorf("%s.secret is required when enabled", name)
		}
		if err := unresolved(name+".secret", target.Secret); err != nil {
			return err
		}
	}

	if cfg.API.Enabled {
		if err := unresolved("api.auth.api_key", cfg.API.Auth.APIKey); err != nil {
			return err
		}
		if cfg.API.Auth.APIKey == "" && len(cfg.API.Auth.Tokens) == 0 {
			return fmt.Errorf("api.auth requires api_key or tokens when the API is enabled")
		}
		for i, tok := range cfg.API.Auth.Tokens {
			if tok.Token == "" {
				return fmt.Errorf("api.auth.tokens[%d].token is required", i)
			}
			if err := unresolved(fmt.Sprintf("api.auth.tokens[%d].token", i), tok.Token); err != nil {
				return err
			}
			if len(tok.Scopes) == 0 {
				return fmt.Errorf("api.auth.tokens[%d].scopes must be non-empty", i)
			}
		}
	}
	return nil
}

// unresolved reports a ${VAR} placeholder left in a secret-bearing field.
func unresolved(field, value string) error {
	matches := envVarPattern.FindStringSubmatch(value)
	if len(matches) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
	}
	return nil
}
