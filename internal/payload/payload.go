// Package payload validates queue item payloads before they are accepted.
//
// Schemas are embedded JSON Schema (draft 2020-12) documents named
// "<item_type>.json", optionally refined per operation as
// "<item_type>.<operation>.json". The operation-specific schema wins when
// both exist; item types without a schema accept any payload.
package payload

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/snehjoshi/chatsync/internal/types"
)

// ErrInvalid is returned for a payload that does not match its schema.
var ErrInvalid = errors.New("payload: invalid")

//go:embed schemas/*.json
var schemaFS embed.FS

const baseURL = "https://chatsync.local/schemas/"

// Validator holds compiled schemas. It is immutable and safe for concurrent use.
type Validator struct {
	schemas map[string]*jsonschema.Schema
}

// New compiles the embedded schemas.
func New() (*Validator, error) {
	entries, err := fs.ReadDir(schemaFS, "schemas")
	if err != nil {
		return nil, fmt.Errorf("payload: read schemas: %w", err)
	}

	c := jsonschema.NewCompiler()
	var names []string
	for _, e := range entries {
		raw, err := schemaFS.ReadFile(path.Join("schemas", e.Name()))
		if err != nil {
			return nil, fmt.Errorf("payload: read %s: %w", e.Name(), err)
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("payload: parse %s: %w", e.Name(), err)
		}
		if err := c.AddResource(baseURL+e.Name(), doc); err != nil {
			return nil, fmt.Errorf("payload: add %s: %w", e.Name(), err)
		}
		names = append(names, e.Name())
	}

	v := &Validator{schemas: make(map[string]*jsonschema.Schema, len(names))}
	for _, name := range names {
		sch, err := c.Compile(baseURL + name)
		if err != nil {
			return nil, fmt.Errorf("payload: compile %s: %w", name, err)
		}
		v.schemas[strings.TrimSuffix(name, ".json")] = sch
	}
	return v, nil
}

// MustNew is New that panics. The schemas are embedded, so a failure is a
// build defect.
func MustNew() *Validator {
	v, err := New()
	if err != nil {
		panic(err)
	}
	return v
}

// Validate checks payload against the schema for (itemType, op).
func (v *Validator) Validate(itemType types.ItemType, op types.Operation, payload json.RawMessage) error {
	sch := v.lookup(itemType, op)
	if sch == nil {
		return nil
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: %s: not JSON: %v", ErrInvalid, itemType, err)
	}
	if err := sch.Validate(inst); err != nil {
		return fmt.Errorf("%w: %s/%s: %v", ErrInvalid, itemType, op, err)
	}
	return nil
}

// Has reports whether a schema covers (itemType, op).
func (v *Validator) Has(itemType types.ItemType, op types.Operation) bool {
	return v.lookup(itemType, op) != nil
}

func (v *Validator) lookup(itemType types.ItemType, op types.Operation) *jsonschema.Schema {
	if sch, ok := v.schemas[itemType.String()+"."+string(op)]; ok {
		return sch
	}
	return v.schemas[itemType.String()]
}
