// Package validation checks resolved parameters and response bodies against
// the JSON Schemas declared on operation descriptors.
package validation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/contextmesh/pkg/schema"
)

// Validator compiles and caches JSON Schemas keyed by operation and side.
type Validator struct {
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewValidator creates a Validator with an empty compile cache.
func NewValidator() *Validator {
	return &Validator{cache: make(map[string]*jsonschema.Schema)}
}

// ValidateParams checks resolved parameters against the operation's request
// schema. A descriptor without a request schema always passes.
func (v *Validator) ValidateParams(desc *schema.OperationDescriptor, params map[string]any) error {
	if len(desc.RequestSchema) == 0 {
		return nil
	}
	if err := v.validate(desc.OperationID+":request", desc.RequestSchema, params); err != nil {
		return wrap(err, schema.ErrCodeSchemaValidation, desc.OperationID,
			"resolved parameters violate request schema")
	}
	return nil
}

// ValidateResponse checks a successful response body against the operation's
// response schema. A violation here is a contract break on the provider side,
// not a transient fault.
func (v *Validator) ValidateResponse(desc *schema.OperationDescriptor, body any) error {
	if len(desc.ResponseSchema) == 0 {
		return nil
	}
	if err := v.validate(desc.OperationID+":response", desc.ResponseSchema, body); err != nil {
		return wrap(err, schema.ErrCodeContractViolation, desc.OperationID,
			"response body violates response schema")
	}
	return nil
}

func (v *Validator) validate(key string, raw json.RawMessage, instance any) error {
	compiled, err := v.compiled(key, raw)
	if err != nil {
		return err
	}
	value, err := toJSONValue(instance)
	if err != nil {
		return err
	}
	return compiled.Validate(value)
}

func (v *Validator) compiled(key string, raw json.RawMessage) (*jsonschema.Schema, error) {
	v.mu.RLock()
	compiled, ok := v.cache[key]
	v.mu.RUnlock()
	if ok {
		return compiled, nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if compiled, ok = v.cache[key]; ok {
		return compiled, nil
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse schema %s: %w", key, err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(key+".json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource %s: %w", key, err)
	}
	compiled, err = compiler.Compile(key + ".json")
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", key, err)
	}
	v.cache[key] = compiled
	return compiled, nil
}

// toJSONValue round-trips a Go value through JSON so the validator sees the
// same shapes a decoded payload would, with numbers as json.Number.
func toJSONValue(instance any) (any, error) {
	raw, err := json.Marshal(instance)
	if err != nil {
		return nil, fmt.Errorf("marshal instance: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var value any
	if err := dec.Decode(&value); err != nil {
		return nil, fmt.Errorf("decode instance: %w", err)
	}
	return value, nil
}

func wrap(err error, code, operationID, message string) *schema.MeshError {
	details := map[string]any{}
	if ve, ok := err.(*jsonschema.ValidationError); ok {
		details["violations"] = collectViolations(ve)
	}
	return schema.NewError(code, message).
		WithOperation(operationID).
		WithCause(err).
		WithDetails(details)
}

// collectViolations walks a ValidationError tree and collects leaf messages
// with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
