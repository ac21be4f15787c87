package doctor

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mattjoyce/siphon/internal/config"
	"github.com/mattjoyce/siphon/internal/extract"
	"github.com/mattjoyce/siphon/internal/group"
	"github.com/mattjoyce/siphon/internal/plugin"
)

func validConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Index.URL = "http://index.local"
	cfg.Extraction.Grouping = group.Config{
		Formats: []group.Format{
			{Name: "tables", Match: []string{".csv"}, Extractors: []string{"csv"}},
			{Name: "structures", Match: []string{".cif"}, Extractors: []string{"crystal_structure"}},
		},
	}
	return cfg
}

func phononPlugin() *plugin.Plugin {
	return &plugin.Plugin{
		Name:       "phonon",
		Protocol:   1,
		ConfigKeys: &plugin.ConfigKeys{Required: []string{"units"}, Optional: []string{"precision"}},
	}
}

func newDoctor(t *testing.T, cfg *config.Config, plugins ...*plugin.Plugin) *Doctor {
	t.Helper()
	reg := extract.NewDefaultRegistry()
	preg := plugin.NewRegistry()
	for _, p := range plugins {
		if err := preg.Add(p); err != nil {
			t.Fatal(err)
		}
		if err := reg.Register(plugin.NewExtractor(p, nil, nil)); err != nil {
			t.Fatal(err)
		}
	}
	return New(cfg, reg, preg)
}

func hasIssue(issues []Issue, category, substr string) bool {
	for _, i := range issues {
		if i.Category == category && strings.Contains(i.Message, substr) {
			return true
		}
	}
	return false
}

func TestValidate_ValidConfig(t *testing.T) {
	t.Parallel()
	r := newDoctor(t, validConfig()).Validate()
	if !r.Valid {
		t.Fatalf("expected valid, got errors: %v", r.Errors)
	}
	if len(r.Warnings) != 0 {
		t.Fatalf("expected no warnings, got %v", r.Warnings)
	}
}

func TestValidate_UnknownExtractor(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Extraction.Grouping.Formats[0].Extractors = append(cfg.Extraction.Grouping.Formats[0].Extractors, "parquet")
	r := newDoctor(t, cfg).Validate()
	if r.Valid || !hasIssue(r.Errors, "grouping", `unknown extractor "parquet"`) {
		t.Fatalf("expected unknown extractor error, got %+v", r)
	}
}

func TestValidate_PluginParams(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Extraction.Grouping.Formats = append(cfg.Extraction.Grouping.Formats, group.Format{
		Name:       "phonons",
		Match:      []string{"band.yaml"},
		Extractors: []string{"phonon"},
		Params:     map[string]map[string]any{"phonon": {"precision": 3}},
	})
	r := newDoctor(t, cfg, phononPlugin()).Validate()
	if r.Valid || !hasIssue(r.Errors, "grouping", "missing required params: units") {
		t.Fatalf("expected missing param error, got %+v", r)
	}

	cfg.Extraction.Grouping.Formats[2].Params["phonon"]["units"] = "THz"
	r = newDoctor(t, cfg, phononPlugin()).Validate()
	if !r.Valid {
		t.Fatalf("expected valid, got %v", r.Errors)
	}
}

func TestValidate_UnusedPluginAndStrayParams(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Extraction.Grouping.Formats[0].Params = map[string]map[string]any{"json": {"mapping": map[string]any{}}}
	r := newDoctor(t, cfg, phononPlugin()).Validate()
	if !r.Valid {
		t.Fatalf("warnings only expected, got %v", r.Errors)
	}
	if !hasIssue(r.Warnings, "unused", `plugin "phonon"`) {
		t.Fatalf("expected unused plugin warning, got %v", r.Warnings)
	}
	if !hasIssue(r.Warnings, "grouping", `params for "json"`) {
		t.Fatalf("expected stray params warning, got %v", r.Warnings)
	}
}

func TestValidate_BackupOverlapsWorkspace(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Workspace.Dir = "/srv/siphon/workspaces"
	cfg.Publish.Backup = config.BackupConfig{Enabled: true, Dir: "/srv/siphon/workspaces/backup"}
	r := newDoctor(t, cfg).Validate()
	if r.Valid || !hasIssue(r.Errors, "paths", "overlap") {
		t.Fatalf("expected overlap error, got %+v", r)
	}

	cfg.Publish.Backup.Dir = "/srv/siphon/backup"
	if r := newDoctor(t, cfg).Validate(); !r.Valid {
		t.Fatalf("sibling dirs must pass, got %v", r.Errors)
	}
}

func TestValidate_TokenScopes(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.API.Auth.Tokens = []config.APIToken{
		{Token: "a", Scopes: []string{"submissions:ro", "events:ro"}},
		{Token: "b", Scopes: []string{"jobs:rw"}},
	}
	r := newDoctor(t, cfg).Validate()
	if r.Valid || !hasIssue(r.Errors, "token_scopes", `"jobs:rw"`) {
		t.Fatalf("expected scope error, got %+v", r)
	}
	if len(r.Errors) != 1 {
		t.Fatalf("known scopes must pass, got %v", r.Errors)
	}
}

func TestValidate_WorkerCommand(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Dispatcher.WorkerCommand = []string{"/nonexistent/siphon-worker", "run"}
	r := newDoctor(t, cfg).Validate()
	if r.Valid || !hasIssue(r.Errors, "dispatcher", "not found") {
		t.Fatalf("expected worker command error, got %+v", r)
	}
}

func TestValidate_SchemaDir(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "dataset.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := validConfig()
	cfg.Extraction.SchemaDir = dir
	r := newDoctor(t, cfg).Validate()
	if r.Valid || len(r.Errors) == 0 || r.Errors[0].Category != "schemas" {
		t.Fatalf("expected schema error, got %+v", r)
	}
}

func TestValidate_Timings(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Dispatcher.LongPoll = cfg.Dispatcher.Visibility
	cfg.Curation.PollInterval = cfg.Curation.MaxWait * 2
	r := newDoctor(t, cfg).Validate()
	if r.Valid || !hasIssue(r.Errors, "timing", "long_poll") {
		t.Fatalf("expected long_poll error, got %+v", r)
	}
	if !hasIssue(r.Warnings, "timing", "curation") {
		t.Fatalf("expected curation warning, got %v", r.Warnings)
	}
}

func TestValidate_LegacyAPIKeyWarns(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.API.Enabled = true
	cfg.API.Auth.APIKey = "secret"
	r := newDoctor(t, cfg).Validate()
	if !r.Valid || !hasIssue(r.Warnings, "deprecated", "legacy api_key") {
		t.Fatalf("expected deprecation warning, got %+v", r)
	}
}

func TestFormatHuman(t *testing.T) {
	t.Parallel()
	r := &Result{
		Valid:    false,
		Errors:   []Issue{{Category: "grouping", Field: "extraction.grouping.formats[0]", Message: "bad"}},
		Warnings: []Issue{{Category: "unused", Message: "plugin x unused"}},
	}
	out := FormatHuman(r)
	for _, want := range []string{"Configuration invalid (1 error(s), 1 warning(s))", "ERROR [grouping] extraction.grouping.formats[0]: bad", "WARN  [unused] plugin x unused"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
	if got := FormatHuman(&Result{Valid: true}); got != "Configuration valid.\n" {
		t.Fatalf("got %q", got)
	}
}

func TestFormatJSON(t *testing.T) {
	t.Parallel()
	out, err := FormatJSON(&Result{Valid: true})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, `"valid": true`) {
		t.Fatalf("got %s", out)
	}
}
