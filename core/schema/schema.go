// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// Package schema validates JSON documents against JSON schemas.
//
// Schemas are identified by their $id. Top level schemas may reference the schemas passed
// as refs, but not each other.
package schema

import (
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/goccy/go-json"
	"github.com/xeipuuv/gojsonschema"

	"github.com/relabs-tech/pam8053/core/errs"
)

// Validator validates JSON documents against a set of schemas
type Validator struct {
	schemas map[string]*gojsonschema.Schema
}

// NewValidatorFromFS creates a new Validator from the json files of dir in fsys. Files
// in dir become top level schemas, files in dir/refs become references.
func NewValidatorFromFS(fsys fs.FS, dir string) (*Validator, error) {
	readDir := func(dir string) ([]string, error) {
		entries, err := fs.ReadDir(fsys, dir)
		if err != nil {
			return nil, fmt.Errorf("cannot read dir %s: %w", dir, err)
		}
		var docs []string
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
				continue
			}
			body, err := fs.ReadFile(fsys, path.Join(dir, e.Name()))
			if err != nil {
				return nil, fmt.Errorf("cannot read file '%s': %w", e.Name(), err)
			}
			docs = append(docs, string(body))
		}
		return docs, nil
	}

	schemas, err := readDir(dir)
	if err != nil {
		return nil, err
	}
	var refs []string
	if _, err := fs.Stat(fsys, path.Join(dir, "refs")); err == nil {
		if refs, err = readDir(path.Join(dir, "refs")); err != nil {
			return nil, err
		}
	}
	return NewValidator(schemas, refs)
}

// NewValidator creates a new Validator with the top level schemas and the refs they may use
func NewValidator(schemas []string, refs []string) (*Validator, error) {
	type header struct {
		ID string `json:"$id"`
	}
	v := &Validator{schemas: make(map[string]*gojsonschema.Schema)}
	for _, str := range schemas {
		h := header{}
		if err := json.Unmarshal([]byte(str), &h); err != nil {
			return nil, fmt.Errorf("parse error '%v' in schema: '%s'", err, str)
		}
		if h.ID == "" {
			return nil, fmt.Errorf("schema does not contain $id: '%s'", str)
		}
		sl := gojsonschema.NewSchemaLoader()
		for _, ref := range refs {
			if err := sl.AddSchemas(gojsonschema.NewStringLoader(ref)); err != nil {
				return nil, fmt.Errorf("cannot add ref: %w", err)
			}
		}
		compiled, err := sl.Compile(gojsonschema.NewStringLoader(str))
		if err != nil {
			return nil, fmt.Errorf("cannot compile schema %s: %w", h.ID, err)
		}
		v.schemas[h.ID] = compiled
	}
	return v, nil
}

// HasSchema returns true if schemaID is known
func (v *Validator) HasSchema(schemaID string) bool {
	_, ok := v.schemas[schemaID]
	return ok
}

// ValidateStruct validates value as JSON against schemaID
func (v *Validator) ValidateStruct(value interface{}, schemaID string) error {
	return v.validate(gojsonschema.NewGoLoader(value), schemaID)
}

// ValidateBytes validates the JSON document against schemaID. An invalid document
// is an errs.ErrInvalidInput error.
func (v *Validator) ValidateBytes(doc []byte, schemaID string) error {
	return v.validate(gojsonschema.NewBytesLoader(doc), schemaID)
}

func (v *Validator) validate(loader gojsonschema.JSONLoader, schemaID string) error {
	s, ok := v.schemas[schemaID]
	if !ok {
		return errs.Wrapf(errs.ErrNotFound, "there is no schema %s", schemaID)
	}

	result, err := s.Validate(loader)
	if err != nil {
		return errs.Wrap(fmt.Errorf("cannot validate with schema %s: %w", schemaID, err), errs.ErrInvalidInput)
	}
	if !result.Valid() {
		msg := "the document is not valid:"
		for _, e := range result.Errors() {
			msg += fmt.Sprintf("\n- %s", e)
		}
		return errs.Wrapf(errs.ErrInvalidInput, "%s", msg)
	}
	return nil
}
