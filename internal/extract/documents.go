package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/siphon/internal/tree"
)

// JSON reads .json files. A top-level object becomes a single record, an
// array of objects one record per element. The optional "mapping" param
// ({"dst.path": "src.path"}) selects and renames fields.
type JSON struct{}

func (JSON) Name() string { return "json" }

func (JSON) Extract(ctx context.Context, in Input) (Result, error) {
	return extractDocuments(ctx, in, []string{".json"}, func(data []byte) (any, error) {
		var v any
		err := json.Unmarshal(data, &v)
		return v, err
	})
}

// YAML reads .yaml and .yml files with the same rules as JSON.
type YAML struct{}

func (YAML) Name() string { return "yaml" }

func (YAML) Extract(ctx context.Context, in Input) (Result, error) {
	return extractDocuments(ctx, in, []string{".yaml", ".yml"}, func(data []byte) (any, error) {
		var v any
		err := yaml.Unmarshal(data, &v)
		return v, err
	})
}

func extractDocuments(ctx context.Context, in Input, exts []string, decode func([]byte) (any, error)) (Result, error) {
	mapping, err := mappingParam(in.Params)
	if err != nil {
		return Result{}, err
	}

	var (
		res     Result
		singles []tree.Node
	)
	for _, path := range filesWithExt(in.Files, exts...) {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return Result{}, fmt.Errorf("read %s: %w", filepath.Base(path), err)
		}
		doc, err := decode(data)
		if err != nil {
			return Result{}, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
		}

		switch n := tree.FromAny(doc); n.Kind() {
		case tree.KindMap:
			singles = append(singles, applyMapping(n, mapping))
		case tree.KindList:
			for _, item := range n.Items() {
				if item.Kind() == tree.KindMap {
					if m := applyMapping(item, mapping).AsMap(); len(m) > 0 {
						res.Multi = append(res.Multi, m)
					}
				}
			}
		}
	}
	if len(singles) > 0 {
		res.Single = tree.MergeAll(tree.Commutative, singles...).AsMap()
	}
	return res, nil
}

// mappingParam reads {"dst.path": "src.path"} from params["mapping"].
func mappingParam(params map[string]any) (map[string]string, error) {
	raw, ok := params["mapping"]
	if !ok || raw == nil {
		return nil, nil
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("mapping param must be an object, got %T", raw)
	}
	out := make(map[string]string, len(m))
	for dst, src := range m {
		s, ok := src.(string)
		if !ok {
			return nil, fmt.Errorf("mapping for %q must be a string path, got %T", dst, src)
		}
		out[dst] = s
	}
	return out, nil
}

// applyMapping copies mapped fields into a new document. A nil mapping
// returns doc unchanged; unresolved source paths are skipped.
func applyMapping(doc tree.Node, mapping map[string]string) tree.Node {
	if mapping == nil {
		return doc
	}
	dsts := make([]string, 0, len(mapping))
	for dst := range mapping {
		dsts = append(dsts, dst)
	}
	sort.Strings(dsts)

	out := tree.EmptyMap()
	for _, dst := range dsts {
		if v, ok := tree.Get(doc, mapping[dst]); ok && !v.IsNull() {
			out = tree.Set(out, dst, v)
		}
	}
	return out
}

func filesWithExt(files []string, exts ...string) []string {
	var out []string
	for _, f := range files {
		ext := strings.ToLower(filepath.Ext(f))
		for _, e := range exts {
			if ext == e {
				out = append(out, f)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

func stringParam(params map[string]any, key, def string) string {
	if v, ok := params[key].(string); ok && v != "" {
		return v
	}
	return def
}

func intParam(params map[string]any, key string, def int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}
