// Package group splits a dataset directory tree into independent file groups.
package group

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/siphon/internal/log"
)

// groupNamespace seeds deterministic group ids.
var groupNamespace = uuid.MustParse("5b0f7d0e-8f5c-4c7e-9d6b-1f1d2a3c4e5f")

// FileGroup is a set of files processed together. An empty Extractors list
// means every registered extractor is tried.
type FileGroup struct {
	ID         string                    `json:"id"`
	Root       string                    `json:"root,omitempty"` // dataset root the walk started from
	Dir        string                    `json:"dir"`
	Format     string                    `json:"format,omitempty"`
	Files      []string                  `json:"files"`
	Extractors []string                  `json:"extractors,omitempty"`
	Params     map[string]map[string]any `json:"params,omitempty"`
}

type Grouper struct {
	cfg          Config
	overrideFile string
	logger       *slog.Logger
}

// New returns a Grouper. An empty overrideFile selects DefaultOverrideFile.
func New(cfg Config, overrideFile string) *Grouper {
	if overrideFile == "" {
		overrideFile = DefaultOverrideFile
	}
	return &Grouper{cfg: cfg, overrideFile: overrideFile, logger: log.WithComponent("group")}
}

// Walk groups every regular file below root. The result is sorted by the
// first file of each group so repeated walks agree.
func (g *Grouper) Walk(root string) ([]FileGroup, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat dataset root: %w", err)
	}
	if !info.IsDir() {
		fg := singleton(root, filepath.Dir(root), root)
		fg.Root = filepath.Dir(root)
		return []FileGroup{fg}, nil
	}

	var groups []FileGroup
	if err := g.walkDir(root, root, g.cfg, &groups); err != nil {
		return nil, err
	}
	for i := range groups {
		groups[i].Root = root
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Files[0] < groups[j].Files[0] })
	return groups, nil
}

func (g *Grouper) walkDir(root, dir string, cfg Config, out *[]FileGroup) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read %s: %w", dir, err)
	}

	local, err := g.loadOverride(dir)
	if err != nil {
		return err
	}
	if local != nil {
		cfg, err = cfg.Overlay(local)
		if err != nil {
			return fmt.Errorf("apply %s: %w", filepath.Join(dir, g.overrideFile), err)
		}
		g.logger.Debug("applied grouping override", "dir", dir)
	}

	var files, dirs []string
	for _, e := range entries {
		name := e.Name()
		if name == g.overrideFile || ignored(name, cfg.Ignore) {
			continue
		}
		path := filepath.Join(dir, name)
		switch {
		case e.IsDir():
			dirs = append(dirs, path)
		case e.Type().IsRegular():
			files = append(files, path)
		}
	}

	if len(files) > 0 {
		if cfg.GroupByDir {
			*out = append(*out, FileGroup{
				ID:    groupID(root, dir, "dir", ""),
				Dir:   dir,
				Files: files,
			})
		} else {
			*out = append(*out, groupFiles(root, dir, files, cfg.Formats)...)
		}
	}

	for _, sub := range dirs {
		if err := g.walkDir(root, sub, cfg, out); err != nil {
			return err
		}
	}
	return nil
}

func (g *Grouper) loadOverride(dir string) (map[string]any, error) {
	data, err := os.ReadFile(filepath.Join(dir, g.overrideFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read grouping override: %w", err)
	}
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Join(dir, g.overrideFile), err)
	}
	if m == nil {
		return nil, nil
	}
	return m, nil
}

// groupFiles applies the format rules to the files of one directory. Files
// matching the same rule with the same text around the matched substring
// share a group; unmatched files become singletons.
func groupFiles(root, dir string, files []string, formats []Format) []FileGroup {
	type key struct {
		format    int
		pre, post string
	}
	byKey := map[key]*FileGroup{}
	var order []key
	var out []FileGroup

	for _, path := range files {
		name := filepath.Base(path)
		lower := strings.ToLower(name)

		matched := false
		for fi, f := range formats {
			for _, m := range f.Match {
				lm := strings.ToLower(m)
				idx := strings.Index(lower, lm)
				if idx < 0 {
					continue
				}
				k := key{format: fi, pre: lower[:idx], post: lower[idx+len(lm):]}
				grp, ok := byKey[k]
				if !ok {
					grp = &FileGroup{
						ID:         groupID(root, dir, f.Name, k.pre+"*"+k.post),
						Dir:        dir,
						Format:     f.Name,
						Extractors: append([]string(nil), f.Extractors...),
						Params:     f.Params,
					}
					byKey[k] = grp
					order = append(order, k)
				}
				grp.Files = append(grp.Files, path)
				matched = true
				break
			}
			if matched {
				break
			}
		}
		if !matched {
			out = append(out, singleton(root, dir, path))
		}
	}

	for _, k := range order {
		out = append(out, *byKey[k])
	}
	return out
}

func singleton(root, dir, path string) FileGroup {
	return FileGroup{
		ID:    groupID(root, dir, "", filepath.Base(path)),
		Dir:   dir,
		Files: []string{path},
	}
}

func groupID(root, dir, format, residual string) string {
	rel, err := filepath.Rel(root, dir)
	if err != nil {
		rel = dir
	}
	return uuid.NewSHA1(groupNamespace, []byte(rel+"\x00"+format+"\x00"+residual)).String()
}

func ignored(name string, patterns []string) bool {
	lower := strings.ToLower(name)
	for _, p := range patterns {
		if p != "" && strings.Contains(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}
