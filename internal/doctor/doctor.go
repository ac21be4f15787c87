// Package doctor runs cross-cutting checks on a loaded siphon configuration:
// things the loader cannot see on its own, like grouping rules naming
// extractors that do not exist or token scopes nothing understands.
package doctor

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/mattjoyce/siphon/internal/auth"
	"github.com/mattjoyce/siphon/internal/config"
	"github.com/mattjoyce/siphon/internal/extract"
	"github.com/mattjoyce/siphon/internal/plugin"
	"github.com/mattjoyce/siphon/internal/validate"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

var knownScopes = map[string]bool{
	auth.ScopeAll:              true,
	auth.ScopeSubmissionsRead:  true,
	auth.ScopeSubmissionsWrite: true,
	auth.ScopeCuration:         true,
	auth.ScopeEventsRead:       true,
	"events:rw":                true,
}

// Doctor validates configuration against the extractors it will run with.
type Doctor struct {
	cfg        *config.Config
	extractors *extract.Registry
	plugins    *plugin.Registry
}

// New creates a Doctor. extractors must already include registered plugins.
func New(cfg *config.Config, extractors *extract.Registry, plugins *plugin.Registry) *Doctor {
	if plugins == nil {
		plugins = plugin.NewRegistry()
	}
	return &Doctor{cfg: cfg, extractors: extractors, plugins: plugins}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateGrouping(r)
	d.validateSchemas(r)
	d.validatePaths(r)
	d.validateWorkerCommand(r)
	d.validateTokenScopes(r)
	d.warnUnusedPlugins(r)
	d.warnDeprecatedSyntax(r)
	d.warnTimings(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateGrouping checks that every extractor a rule names exists and that
// plugin params match their manifests.
func (d *Doctor) validateGrouping(r *Result) {
	formats := d.cfg.Extraction.Grouping.Formats
	if len(formats) == 0 {
		d.addWarning(r, "grouping", "extraction.grouping.formats",
			"no grouping formats configured; every file becomes its own group with file info only")
	}
	for i, f := range formats {
		field := fmt.Sprintf("extraction.grouping.formats[%d]", i)
		for _, name := range f.Extractors {
			if _, ok := d.extractors.Get(name); !ok {
				d.addError(r, "grouping", field+".extractors",
					fmt.Sprintf("format %q uses unknown extractor %q", f.Name, name))
			}
		}
		for name, params := range f.Params {
			if !contains(f.Extractors, name) {
				d.addWarning(r, "grouping", field+".params",
					fmt.Sprintf("format %q has params for %q which it does not run", f.Name, name))
				continue
			}
			if p, ok := d.plugins.Get(name); ok {
				if err := p.CheckParams(params); err != nil {
					d.addError(r, "grouping", field+".params."+name, err.Error())
				}
			}
		}
	}
}

// validateSchemas compiles the configured schema directory.
func (d *Doctor) validateSchemas(r *Result) {
	dir := d.cfg.Extraction.SchemaDir
	if dir == "" {
		return
	}
	if _, err := validate.LoadSchemas(dir); err != nil {
		d.addError(r, "schemas", "extraction.schema_dir", err.Error())
	}
}

// validatePaths catches directories that would clobber each other.
func (d *Doctor) validatePaths(r *Result) {
	ws := absClean(d.cfg.Workspace.Dir)
	if b := d.cfg.Publish.Backup; b.Enabled && ws != "" {
		backup := absClean(b.Dir)
		if backup == ws || within(backup, ws) || within(ws, backup) {
			d.addError(r, "paths", "publish.backup.dir",
				"backup directory must not overlap workspace.dir")
		}
	}
	if dir := d.cfg.Extraction.PluginsDir; dir != "" {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			d.addError(r, "paths", "extraction.plugins_dir",
				fmt.Sprintf("plugins directory %q is not a readable directory", dir))
		}
	}
	if d.cfg.Index.Backend == "memory" {
		d.addWarning(r, "index", "index.backend",
			"memory index keeps nothing across restarts; use it for tests only")
	}
}

// validateWorkerCommand checks an explicit worker command resolves.
func (d *Doctor) validateWorkerCommand(r *Result) {
	cmd := d.cfg.Dispatcher.WorkerCommand
	if len(cmd) == 0 {
		return
	}
	if _, err := exec.LookPath(cmd[0]); err != nil {
		d.addError(r, "dispatcher", "dispatcher.worker_command",
			fmt.Sprintf("worker command %q not found: %v", cmd[0], err))
	}
}

// validateTokenScopes rejects scopes no route checks for.
func (d *Doctor) validateTokenScopes(r *Result) {
	for i, token := range d.cfg.API.Auth.Tokens {
		for j, scope := range token.Scopes {
			if !knownScopes[strings.TrimSpace(scope)] {
				d.addError(r, "token_scopes", fmt.Sprintf("api.auth.tokens[%d].scopes[%d]", i, j),
					fmt.Sprintf("unknown scope %q", scope))
			}
		}
	}
}

// warnUnusedPlugins warns about discovered plugins no grouping rule runs.
func (d *Doctor) warnUnusedPlugins(r *Result) {
	used := map[string]bool{}
	for _, f := range d.cfg.Extraction.Grouping.Formats {
		for _, name := range f.Extractors {
			used[name] = true
		}
	}
	for _, name := range d.plugins.Names() {
		if !used[name] {
			d.addWarning(r, "unused", "",
				fmt.Sprintf("plugin %q discovered but no grouping format uses it", name))
		}
	}
}

// warnDeprecatedSyntax warns about legacy config patterns.
func (d *Doctor) warnDeprecatedSyntax(r *Result) {
	if d.cfg.API.Auth.APIKey != "" && len(d.cfg.API.Auth.Tokens) > 0 {
		d.addWarning(r, "deprecated", "api.auth",
			"both api_key and tokens configured; prefer tokens array only")
	}
	if d.cfg.API.Auth.APIKey != "" && len(d.cfg.API.Auth.Tokens) == 0 {
		d.addWarning(r, "deprecated", "api.auth.api_key",
			"legacy api_key grants full access; migrate to tokens array with scopes")
	}
}

// warnTimings flags waits that cannot work as configured.
func (d *Doctor) warnTimings(r *Result) {
	if c := d.cfg.Curation; c.PollInterval > 0 && c.MaxWait > 0 && c.PollInterval > c.MaxWait {
		d.addWarning(r, "timing", "curation.poll_interval",
			"curation poll interval exceeds max_wait; decisions are only seen once")
	}
	if disp := d.cfg.Dispatcher; disp.LongPoll >= disp.Visibility {
		d.addError(r, "timing", "dispatcher.long_poll",
			"long_poll must be shorter than visibility_timeout")
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func absClean(p string) string {
	if p == "" {
		return ""
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return filepath.Clean(p)
	}
	return abs
}

func within(child, parent string) bool {
	rel, err := filepath.Rel(parent, child)
	return err == nil && rel != "." && !strings.HasPrefix(rel, "..")
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		b.WriteString("Configuration valid")
		fmt.Fprintf(&b, " (%d warning(s))\n", len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
