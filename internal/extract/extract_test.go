package extract

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/mattjoyce/siphon/internal/group"
	"github.com/mattjoyce/siphon/internal/log"
)

const sampleCIF = `# generated
data_NaCl
_chemical_formula_sum 'Na Cl'
_cell_length_a 5.640(2)
_cell_angle_alpha 90
_symmetry_space_group_name_H-M ?
loop_
_atom_site_label
_atom_site_fract_x
Na1 0.0
Cl1 0.5
_cell_volume 179.4
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

type fakeExtractor struct {
	name string
	res  Result
	err  error
	boom bool
}

func (f fakeExtractor) Name() string { return f.name }

func (f fakeExtractor) Extract(context.Context, Input) (Result, error) {
	if f.boom {
		panic("extractor exploded")
	}
	return f.res, f.err
}

func registry(t *testing.T, es ...Extractor) *Registry {
	t.Helper()
	r := NewRegistry()
	for _, e := range es {
		require.NoError(t, r.Register(e))
	}
	return r
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewDefaultRegistry()
	assert.Equal(t, []string{"crystal_structure", "csv", "json", "xlsx", "yaml"}, r.Names())
	assert.Error(t, r.Register(JSON{}))
	assert.Error(t, r.Register(fakeExtractor{}))
}

func TestProcessGroupMergesCIFAndJSON(t *testing.T) {
	dir := t.TempDir()
	cif := writeFile(t, dir, "a.cif", sampleCIF)
	js := writeFile(t, dir, "a.json", `{"sample": {"title": "rock salt", "tags": ["halide"]}}`)

	g := group.FileGroup{
		ID:         "g1",
		Files:      []string{cif, js},
		Extractors: []string{"json", "crystal_structure"},
	}
	recs := ProcessGroup(context.Background(), NewDefaultRegistry(), g, Options{Root: dir, BaseURL: "https://data.example/ds"}, log.Discard())
	require.Len(t, recs, 1)

	rec := recs[0]
	cs := rec["crystal_structure"].(map[string]any)
	assert.Equal(t, "NaCl", cs["block"])
	assert.Equal(t, "Na Cl", cs["chemical_formula_sum"])
	assert.Equal(t, 5.64, cs["cell_length_a"])
	assert.Equal(t, 179.4, cs["cell_volume"])
	assert.NotContains(t, cs, "symmetry_space_group_name_h-m")
	assert.NotContains(t, cs, "atom_site_label")

	assert.Equal(t, "rock salt", rec["sample"].(map[string]any)["title"])

	files := rec["files"].([]any)
	require.Len(t, files, 2)
	first := files[0].(map[string]any)
	assert.Contains(t, []any{"a.cif", "a.json"}, first["filename"])
	assert.Len(t, first["blake3"], 64)
	assert.Len(t, first["sha256"], 64)
	assert.Contains(t, first["url"], "https://data.example/ds/a.")
}

func TestProcessGroupIsOrderIndependent(t *testing.T) {
	x := Result{Single: map[string]any{"title": "x", "tags": []any{"one"}}}
	y := Result{Single: map[string]any{"title": "y", "tags": []any{"two"}, "extra": true}}
	g := group.FileGroup{ID: "g"}

	ab := ProcessGroup(context.Background(), registry(t, fakeExtractor{name: "a", res: x}, fakeExtractor{name: "b", res: y}), g, Options{}, log.Discard())
	ba := ProcessGroup(context.Background(), registry(t, fakeExtractor{name: "a", res: y}, fakeExtractor{name: "b", res: x}), g, Options{}, log.Discard())

	require.Len(t, ab, 1)
	assert.Equal(t, ab, ba)
	assert.Equal(t, []any{"x", "y"}, ab[0]["title"])
	assert.Equal(t, []any{"one", "two"}, ab[0]["tags"])
}

func TestProcessGroupFoldsSingleIntoMulti(t *testing.T) {
	reg := registry(t,
		fakeExtractor{name: "rows", res: Result{Multi: []map[string]any{{"row": 1.0}, {"row": 2.0}}}},
		fakeExtractor{name: "meta", res: Result{Single: map[string]any{"instrument": "xrd"}}},
	)
	recs := ProcessGroup(context.Background(), reg, group.FileGroup{ID: "g"}, Options{}, log.Discard())
	require.Len(t, recs, 2)
	for i, r := range recs {
		assert.Equal(t, float64(i+1), r["row"])
		assert.Equal(t, "xrd", r["instrument"])
	}
}

func TestProcessGroupSwallowsExtractorFailures(t *testing.T) {
	reg := registry(t,
		fakeExtractor{name: "bad", err: errors.New("corrupt input")},
		fakeExtractor{name: "boom", boom: true},
		fakeExtractor{name: "good", res: Result{Single: map[string]any{"ok": true}}},
	)
	recs := ProcessGroup(context.Background(), reg, group.FileGroup{ID: "g", Extractors: []string{"bad", "boom", "good", "missing"}}, Options{}, log.Discard())
	require.Len(t, recs, 1)
	assert.Equal(t, true, recs[0]["ok"])
}

func TestProcessGroupWithoutResultsYieldsNothing(t *testing.T) {
	reg := registry(t, fakeExtractor{name: "bad", err: errors.New("nope")})
	assert.Empty(t, ProcessGroup(context.Background(), reg, group.FileGroup{ID: "g"}, Options{}, log.Discard()))
}

func TestJSONMapping(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "m.json", `{"meta": {"name": "run 7", "temp": 300}, "ignored": 1}`)

	res, err := JSON{}.Extract(context.Background(), Input{
		Files:  []string{p},
		Params: map[string]any{"mapping": map[string]any{"sample.title": "meta.name", "conditions.temperature": "meta.temp", "x": "no.such"}},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"sample":     map[string]any{"title": "run 7"},
		"conditions": map[string]any{"temperature": 300.0},
	}, res.Single)

	_, err = JSON{}.Extract(context.Background(), Input{Files: []string{p}, Params: map[string]any{"mapping": "bad"}})
	assert.Error(t, err)
}

func TestJSONArrayBecomesMulti(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "list.json", `[{"id": 1}, "skip", {"id": 2}]`)
	res, err := JSON{}.Extract(context.Background(), Input{Files: []string{p}})
	require.NoError(t, err)
	assert.Nil(t, res.Single)
	assert.Equal(t, []map[string]any{{"id": 1.0}, {"id": 2.0}}, res.Multi)
}

func TestYAMLIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	y := writeFile(t, dir, "info.yml", "sample:\n  title: quartz\n")
	other := writeFile(t, dir, "info.txt", "not yaml: [")
	res, err := YAML{}.Extract(context.Background(), Input{Files: []string{other, y}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"sample": map[string]any{"title": "quartz"}}, res.Single)
}

func TestCSVRows(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "data.tsv", "name\tvalue\nalpha\t1.5\n\t\nbeta\tn/a\n")
	res, err := CSV{}.Extract(context.Background(), Input{Files: []string{p}})
	require.NoError(t, err)
	assert.Equal(t, []map[string]any{
		{"name": "alpha", "value": 1.5},
		{"name": "beta", "value": "n/a"},
	}, res.Multi)
}

func TestCSVDelimiterAndMaxRows(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "data.csv", "a;b\n1;2\n3;4\n5;6\n")
	res, err := CSV{}.Extract(context.Background(), Input{
		Files:  []string{p},
		Params: map[string]any{"delimiter": ";", "max_rows": 2},
	})
	require.NoError(t, err)
	assert.Equal(t, []map[string]any{{"a": 1.0, "b": 2.0}, {"a": 3.0, "b": 4.0}}, res.Multi)
}

func TestXLSXRows(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "book.xlsx")
	f := excelize.NewFile()
	require.NoError(t, f.SetSheetRow("Sheet1", "A1", &[]any{"sample", "mass"}))
	require.NoError(t, f.SetSheetRow("Sheet1", "A2", &[]any{"s1", 2.5}))
	require.NoError(t, f.SetSheetRow("Sheet1", "A3", &[]any{"s2", 3}))
	require.NoError(t, f.SaveAs(p))
	require.NoError(t, f.Close())

	res, err := XLSX{}.Extract(context.Background(), Input{
		Files:  []string{p},
		Params: map[string]any{"mapping": map[string]any{"sample.id": "sample", "sample.mass": "mass"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []map[string]any{
		{"sample": map[string]any{"id": "s1", "mass": 2.5}},
		{"sample": map[string]any{"id": "s2", "mass": 3.0}},
	}, res.Multi)
}

func TestDescribeRelativePath(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "sub/x.bin", "hello")
	fi, err := Describe(p, dir, "")
	require.NoError(t, err)
	assert.Equal(t, "sub/x.bin", fi.Path)
	assert.Equal(t, int64(5), fi.Size)
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", fi.SHA256)
	assert.Empty(t, fi.URL)
}
