package extract

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/mattjoyce/siphon/internal/tree"
)

// CSV emits one record per data row of each .csv/.tsv file, keyed by the
// header row. Params: "delimiter" (default "," or tab for .tsv), "mapping",
// "max_rows".
type CSV struct{}

func (CSV) Name() string { return "csv" }

func (CSV) Extract(ctx context.Context, in Input) (Result, error) {
	mapping, err := mappingParam(in.Params)
	if err != nil {
		return Result{}, err
	}
	maxRows := intParam(in.Params, "max_rows", 0)

	var res Result
	for _, path := range filesWithExt(in.Files, ".csv", ".tsv") {
		delim := stringParam(in.Params, "delimiter", ",")
		if strings.EqualFold(filepath.Ext(path), ".tsv") && in.Params["delimiter"] == nil {
			delim = "\t"
		}
		rows, err := readDelimited(ctx, path, []rune(delim)[0], maxRows)
		if err != nil {
			return Result{}, err
		}
		res.Multi = append(res.Multi, rowsToRecords(rows, mapping)...)
	}
	return res, nil
}

func readDelimited(ctx context.Context, path string, delim rune, maxRows int) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.Comma = delim
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = delim != '\t' && delim != ' '

	var rows [][]string
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
		}
		rows = append(rows, row)
		if maxRows > 0 && len(rows) > maxRows {
			break
		}
	}
	return rows, nil
}

// XLSX emits one record per data row of a sheet. Params: "sheet" (default
// first sheet), "mapping", "max_rows".
type XLSX struct{}

func (XLSX) Name() string { return "xlsx" }

func (XLSX) Extract(ctx context.Context, in Input) (Result, error) {
	mapping, err := mappingParam(in.Params)
	if err != nil {
		return Result{}, err
	}
	maxRows := intParam(in.Params, "max_rows", 0)

	var res Result
	for _, path := range filesWithExt(in.Files, ".xlsx") {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		rows, err := readSheet(path, stringParam(in.Params, "sheet", ""))
		if err != nil {
			return Result{}, err
		}
		if maxRows > 0 && len(rows) > maxRows+1 {
			rows = rows[:maxRows+1]
		}
		res.Multi = append(res.Multi, rowsToRecords(rows, mapping)...)
	}
	return res, nil
}

func readSheet(path, sheet string) ([][]string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	if sheet == "" {
		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			return nil, nil
		}
		sheet = sheets[0]
	}
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("read sheet %q of %s: %w", sheet, filepath.Base(path), err)
	}
	return rows, nil
}

// rowsToRecords treats rows[0] as the header. Blank header cells and blank
// rows are skipped; numeric-looking cells become numbers.
func rowsToRecords(rows [][]string, mapping map[string]string) []map[string]any {
	if len(rows) < 2 {
		return nil
	}
	header := rows[0]
	var out []map[string]any
	for _, row := range rows[1:] {
		rec := map[string]any{}
		for i, cell := range row {
			if i >= len(header) || strings.TrimSpace(header[i]) == "" {
				continue
			}
			cell = strings.TrimSpace(cell)
			if cell == "" {
				continue
			}
			rec[strings.TrimSpace(header[i])] = cellValue(cell)
		}
		if len(rec) == 0 {
			continue
		}
		if mapping != nil {
			rec = applyMapping(tree.FromAny(rec), mapping).AsMap()
			if len(rec) == 0 {
				continue
			}
		}
		out = append(out, rec)
	}
	return out
}

func cellValue(s string) any {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return float64(i)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}
