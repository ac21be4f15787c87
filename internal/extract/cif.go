package extract

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/mattjoyce/siphon/internal/tree"
)

// CIF reads the key/value subset of Crystallographic Information Files:
// "data_" block names and single-line "_tag value" pairs. Loops and
// multi-line text fields are skipped. The record is nested under
// "crystal_structure".
type CIF struct{}

func (CIF) Name() string { return "crystal_structure" }

var uncertainty = regexp.MustCompile(`^([-+]?[0-9]*\.?[0-9]+(?:[eE][-+]?[0-9]+)?)\([0-9]+\)$`)

func (CIF) Extract(ctx context.Context, in Input) (Result, error) {
	var singles []tree.Node
	for _, path := range filesWithExt(in.Files, ".cif") {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		fields, err := parseCIF(path)
		if err != nil {
			return Result{}, err
		}
		if len(fields) == 0 {
			continue
		}
		singles = append(singles, tree.FromAny(map[string]any{"crystal_structure": fields}))
	}
	if len(singles) == 0 {
		return Result{}, nil
	}
	return Result{Single: tree.MergeAll(tree.Commutative, singles...).AsMap()}, nil
}

func parseCIF(path string) (map[string]any, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	fields := map[string]any{}
	inText := false
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case strings.HasPrefix(line, ";"):
			inText = !inText
			continue
		case inText, line == "", strings.HasPrefix(line, "#"):
			continue
		case strings.HasPrefix(strings.ToLower(line), "data_"):
			fields["block"] = line[len("data_"):]
			continue
		case strings.HasPrefix(strings.ToLower(line), "loop_"):
			continue
		}

		if !strings.HasPrefix(line, "_") {
			// Loop body rows.
			continue
		}
		i := strings.IndexAny(line, " \t")
		if i < 0 {
			// Bare tags are loop column headers.
			continue
		}
		tag, value := line[:i], strings.TrimSpace(line[i+1:])
		if value == "" || value == "?" || value == "." {
			continue
		}
		fields[strings.ToLower(strings.TrimPrefix(tag, "_"))] = cifValue(value)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	return fields, nil
}

func cifValue(v string) any {
	if len(v) >= 2 && (v[0] == '\'' || v[0] == '"') && v[len(v)-1] == v[0] {
		return v[1 : len(v)-1]
	}
	if m := uncertainty.FindStringSubmatch(v); m != nil {
		v = m[1]
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	return v
}
