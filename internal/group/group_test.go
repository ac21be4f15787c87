package group

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, root string, paths ...string) {
	t.Helper()
	for _, p := range paths {
		full := filepath.Join(root, p)
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte("x"), 0o644))
	}
}

func vaspConfig() Config {
	return Config{Formats: []Format{
		{Name: "vasp", Match: []string{"outcar", "incar"}, Extractors: []string{"vasp"}},
		{Name: "json", Match: []string{".json"}, Extractors: []string{"json"}},
	}}
}

func filesOf(groups []FileGroup, root string) [][]string {
	var out [][]string
	for _, g := range groups {
		var rel []string
		for _, f := range g.Files {
			r, _ := filepath.Rel(root, f)
			rel = append(rel, r)
		}
		out = append(out, rel)
	}
	return out
}

func TestWalkGroupsByResidual(t *testing.T) {
	root := t.TempDir()
	touch(t, root, "run1_OUTCAR", "run1_INCAR", "run2_OUTCAR", "notes.txt")

	groups, err := New(vaspConfig(), "").Walk(root)
	require.NoError(t, err)

	assert.Equal(t, [][]string{
		{"notes.txt"},
		{"run1_INCAR", "run1_OUTCAR"},
		{"run2_OUTCAR"},
	}, filesOf(groups, root))

	assert.Empty(t, groups[0].Extractors, "unmatched files try every extractor")
	assert.Equal(t, []string{"vasp"}, groups[1].Extractors)
	assert.Equal(t, "vasp", groups[1].Format)
	for _, g := range groups {
		assert.Equal(t, root, g.Root)
	}
}

func TestWalkIsCaseInsensitive(t *testing.T) {
	root := t.TempDir()
	touch(t, root, "A.JSON", "b.Json")

	groups, err := New(vaspConfig(), "").Walk(root)
	require.NoError(t, err)
	require.Len(t, groups, 2, "different residuals stay apart")
	for _, g := range groups {
		assert.Equal(t, "json", g.Format)
	}
}

func TestWalkOverrideScopedToSubtree(t *testing.T) {
	root := t.TempDir()
	touch(t, root, "top/a.json", "top/b.json", "bulk/x.dat", "bulk/y.dat", "bulk/deeper/z.dat")
	require.NoError(t, os.WriteFile(filepath.Join(root, "bulk", DefaultOverrideFile), []byte("group_by_dir: true\n"), 0o644))

	groups, err := New(vaspConfig(), "").Walk(root)
	require.NoError(t, err)

	assert.Equal(t, [][]string{
		{"bulk/deeper/z.dat"},
		{"bulk/x.dat", "bulk/y.dat"},
		{"top/a.json"},
		{"top/b.json"},
	}, filesOf(groups, root))
}

func TestWalkOverrideAppendsFormats(t *testing.T) {
	root := t.TempDir()
	touch(t, root, "plain/s1.cif", "cifs/s1.cif", "cifs/s1_meta.json")
	override := `
formats:
  - name: cif
    match: [".cif"]
    extractors: [crystal_structure]
`
	require.NoError(t, os.WriteFile(filepath.Join(root, "cifs", DefaultOverrideFile), []byte(override), 0o644))

	groups, err := New(vaspConfig(), "").Walk(root)
	require.NoError(t, err)

	byFile := map[string]FileGroup{}
	for _, g := range groups {
		for _, f := range g.Files {
			r, _ := filepath.Rel(root, f)
			byFile[r] = g
		}
	}
	assert.Equal(t, "cif", byFile["cifs/s1.cif"].Format)
	assert.Equal(t, []string{"crystal_structure"}, byFile["cifs/s1.cif"].Extractors)
	assert.Equal(t, "json", byFile["cifs/s1_meta.json"].Format, "inherited rules still apply")
	assert.Equal(t, "", byFile["plain/s1.cif"].Format, "override does not leak to siblings")
}

func TestWalkExtendsNamedFormat(t *testing.T) {
	root := t.TempDir()
	touch(t, root, "d/run_POSCAR", "d/run_OUTCAR")
	override := `
formats:
  - name: vasp
    match: [poscar]
`
	require.NoError(t, os.WriteFile(filepath.Join(root, "d", DefaultOverrideFile), []byte(override), 0o644))

	groups, err := New(vaspConfig(), "").Walk(root)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Len(t, groups[0].Files, 2)
	assert.Equal(t, []string{"vasp"}, groups[0].Extractors)
}

func TestWalkDeterministicIDs(t *testing.T) {
	root := t.TempDir()
	touch(t, root, "run1_OUTCAR", "run1_INCAR", "x.txt")

	a, err := New(vaspConfig(), "").Walk(root)
	require.NoError(t, err)
	b, err := New(vaspConfig(), "").Walk(root)
	require.NoError(t, err)
	require.Equal(t, len(a), len(b))
	for i := range a {
		assert.Equal(t, a[i].ID, b[i].ID)
	}
	assert.NotEqual(t, a[0].ID, a[1].ID)
}

func TestWalkIgnoresPatterns(t *testing.T) {
	root := t.TempDir()
	touch(t, root, "keep.json", ".DS_Store")
	cfg := vaspConfig()
	cfg.Ignore = []string{".ds_store"}

	groups, err := New(cfg, "").Walk(root)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"keep.json"}}, filesOf(groups, root))
}

func TestWalkSingleFileRoot(t *testing.T) {
	root := t.TempDir()
	touch(t, root, "only.csv")

	groups, err := New(vaspConfig(), "").Walk(filepath.Join(root, "only.csv"))
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, []string{filepath.Join(root, "only.csv")}, groups[0].Files)
	assert.Equal(t, root, groups[0].Root)
}

func TestConfigValidate(t *testing.T) {
	assert.Error(t, Config{Formats: []Format{{Name: "", Match: []string{"x"}}}}.Validate())
	assert.Error(t, Config{Formats: []Format{{Name: "a"}}}.Validate())
	assert.Error(t, Config{Formats: []Format{{Name: "a", Match: []string{"x"}}, {Name: "a", Match: []string{"y"}}}}.Validate())
	assert.NoError(t, vaspConfig().Validate())
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grouping.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
group_by_dir: false
formats:
  - name: tabular
    match: [".csv", ".xlsx"]
    extractors: [csv, xlsx]
    params:
      csv:
        delimiter: ";"
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Len(t, cfg.Formats, 1)
	assert.Equal(t, ";", cfg.Formats[0].Params["csv"]["delimiter"])
}
