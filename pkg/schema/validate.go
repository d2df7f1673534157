package schema

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/product-os/autumndb/pkg/autumndberrors"
)

// Validator compiles and caches JSON schemas (type gate and authorization
// read schemas), validating candidate contract documents against them
// (spec §4.2 "Mutation gate").
type Validator struct {
	mu    sync.Mutex
	cache map[string]*jsonschema.Schema
	seq   int
}

// NewValidator returns a Validator with an empty compile cache.
func NewValidator() *Validator {
	return &Validator{cache: make(map[string]*jsonschema.Schema)}
}

// Compile compiles raw (a JSON-schema document) once, keyed by its
// canonical string form, and reuses the compiled form on subsequent calls
// with the same schema text.
func (v *Validator) Compile(raw []byte) (*jsonschema.Schema, error) {
	key := string(raw)

	v.mu.Lock()
	defer v.mu.Unlock()

	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	v.seq++
	url := fmt.Sprintf("mem://autumndb/schema/%d.json", v.seq)

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(url, strings.NewReader(key)); err != nil {
		return nil, autumndberrors.Wrap(autumndberrors.CodeInvalidSchema, "add schema resource", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, autumndberrors.Wrap(autumndberrors.CodeInvalidSchema, "compile schema", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

// Validate compiles raw and validates doc against it, returning the
// detailed validation error on failure. Callers needing the generic,
// leak-safe message for the unrestricted contract should wrap the
// returned error with autumndberrors.AsSchemaMismatch.
func (v *Validator) Validate(raw []byte, doc interface{}) error {
	compiled, err := v.Compile(raw)
	if err != nil {
		return err
	}
	if err := compiled.Validate(doc); err != nil {
		return autumndberrors.Wrap(autumndberrors.CodeSchemaMismatch, "document does not satisfy schema", err)
	}
	return nil
}
