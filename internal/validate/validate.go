// Package validate turns extracted records into feedstock entries. A
// Validator accepts exactly one dataset entry and then any number of
// records, stamping each with provenance and a scroll id.
package validate

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var defaultSchemas embed.FS

const (
	DatasetSchemaFile = "dataset.json"
	RecordSchemaFile  = "record.json"

	// MetaKey holds the provenance block of every entry.
	MetaKey = "meta"
)

var (
	ErrNotStarted     = errors.New("dataset entry must be accepted before records")
	ErrAlreadyStarted = errors.New("dataset entry already accepted")
)

// RejectError reports an entry that failed validation. Position is 0 for
// the dataset entry and the 1-based arrival position for records.
type RejectError struct {
	Position int
	Reason   string
	Err      error
}

func (e *RejectError) Error() string {
	if e.Position == 0 {
		return "dataset entry rejected: " + e.Reason
	}
	return fmt.Sprintf("record %d rejected: %s", e.Position, e.Reason)
}

func (e *RejectError) Unwrap() error { return e.Err }

// Schemas holds the compiled dataset and record schemas.
type Schemas struct {
	dataset *jsonschema.Schema
	record  *jsonschema.Schema
}

// DefaultSchemas compiles the embedded schemas.
func DefaultSchemas() (*Schemas, error) {
	return LoadSchemas("")
}

// LoadSchemas compiles dataset.json and record.json from dir, falling back
// to the embedded copy for any file dir does not contain. An empty dir uses
// the embedded schemas only.
func LoadSchemas(dir string) (*Schemas, error) {
	load := func(name string) (*jsonschema.Schema, error) {
		var (
			data []byte
			err  error
		)
		if dir != "" {
			data, err = os.ReadFile(filepath.Join(dir, name))
			if err != nil && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("read schema %s: %w", name, err)
			}
		}
		if data == nil {
			data, err = defaultSchemas.ReadFile("schemas/" + name)
			if err != nil {
				return nil, fmt.Errorf("read embedded schema %s: %w", name, err)
			}
		}
		return compile(name, data)
	}

	ds, err := load(DatasetSchemaFile)
	if err != nil {
		return nil, err
	}
	rs, err := load(RecordSchemaFile)
	if err != nil {
		return nil, err
	}
	return &Schemas{dataset: ds, record: rs}, nil
}

func compile(name string, data []byte) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("add schema %s: %w", name, err)
	}
	schema, err := compiler.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return schema, nil
}

// Provenance is stamped into the meta block of every entry.
type Provenance struct {
	SourceID   string
	SourceName string
	Version    string // "major.minor"
	ACL        []string
	Test       bool
}

// Validator is the single fan-in consumer of a conversion. It is not safe
// for concurrent use.
type Validator struct {
	schemas  *Schemas
	prov     Provenance
	started  bool
	arrived  int
	accepted int
}

func New(schemas *Schemas, prov Provenance) *Validator {
	if prov.ACL == nil {
		prov.ACL = []string{}
	}
	return &Validator{schemas: schemas, prov: prov}
}

// StartDataset validates the dataset-level metadata and returns the feedstock
// entry for it (scroll id 0).
func (v *Validator) StartDataset(dataset map[string]any) (map[string]any, error) {
	if v.started {
		return nil, ErrAlreadyStarted
	}
	body, err := normalize(dataset)
	if err != nil {
		return nil, &RejectError{Reason: err.Error(), Err: err}
	}
	entry := map[string]any{
		MetaKey:   v.meta("dataset", 0),
		"dataset": body,
	}
	if err := v.check(v.schemas.dataset, entry); err != nil {
		return nil, &RejectError{Reason: err.Error(), Err: err}
	}
	v.started = true
	return entry, nil
}

// AddRecord validates one extracted record and returns its feedstock entry.
// Scroll ids are assigned to accepted records only, so they run 1..n with
// no gaps.
func (v *Validator) AddRecord(rec map[string]any) (map[string]any, error) {
	if !v.started {
		return nil, ErrNotStarted
	}
	v.arrived++
	reject := func(err error) error {
		return &RejectError{Position: v.arrived, Reason: err.Error(), Err: err}
	}

	if _, ok := rec[MetaKey]; ok {
		return nil, reject(fmt.Errorf("field %q is reserved", MetaKey))
	}
	entry, err := normalize(rec)
	if err != nil {
		return nil, reject(err)
	}
	meta := v.meta("record", v.accepted+1)
	meta["parent_id"] = v.prov.SourceID
	entry[MetaKey] = meta

	if err := v.check(v.schemas.record, entry); err != nil {
		return nil, reject(err)
	}
	v.accepted++
	return entry, nil
}

// Accepted is the number of records accepted so far.
func (v *Validator) Accepted() int { return v.accepted }

func (v *Validator) meta(kind string, scroll int) map[string]any {
	acl := make([]any, len(v.prov.ACL))
	for i, a := range v.prov.ACL {
		acl[i] = a
	}
	return map[string]any{
		"resource_type": kind,
		"source_id":     v.prov.SourceID,
		"source_name":   v.prov.SourceName,
		"version":       v.prov.Version,
		"scroll_id":     float64(scroll),
		"acl":           acl,
		"test":          v.prov.Test,
	}
}

func (v *Validator) check(schema *jsonschema.Schema, entry map[string]any) error {
	if err := schema.Validate(entry); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return fmt.Errorf("schema violation: %s", ve.Error())
		}
		return err
	}
	return nil
}

// normalize coerces v to plain JSON values (float64 numbers, []any, map[string]any).
func normalize(v map[string]any) (map[string]any, error) {
	if v == nil {
		return map[string]any{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("not representable as JSON: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("not representable as JSON: %w", err)
	}
	return out, nil
}
