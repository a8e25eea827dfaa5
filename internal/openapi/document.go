// Package openapi loads OpenAPI documents carrying x-contextMesh extensions
// and turns them into operation descriptors and per-module step sequences.
package openapi

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rendis/contextmesh/pkg/schema"
)

var httpMethods = []string{"get", "put", "post", "delete", "patch", "head", "options"}

// Document is a parsed OpenAPI document. Operation order follows document
// declaration order, which fixes the step order within each logic module.
type Document struct {
	Title   string
	Version string
	baseURL string

	operations map[string]*schema.OperationDescriptor
	modules    map[string][]schema.Step
	moduleIDs  []string
}

// MeshExtension is the x-contextMesh block attached to an operation.
type MeshExtension struct {
	LogicModule    string              `yaml:"logicModule"`
	TemplateParams map[string]any      `yaml:"templateParams"`
	StateUpdates   rawStateUpdates     `yaml:"stateUpdates"`
	Mandatory      *bool               `yaml:"mandatory"`
	ContextRefresh bool                `yaml:"contextRefresh"`
	RequiresLogic  []string            `yaml:"requiresLogic"`
	Retry          *schema.RetryPolicy `yaml:"retry"`
}

type rawStateUpdates struct {
	OnSuccess []rawInstruction `yaml:"onSuccess"`
	OnFailure []rawInstruction `yaml:"onFailure"`
}

type rawInstruction struct {
	Table  string         `yaml:"table"`
	Values map[string]any `yaml:"values"`
}

type rawDocument struct {
	OpenAPI string `yaml:"openapi"`
	Info    struct {
		Title   string `yaml:"title"`
		Version string `yaml:"version"`
	} `yaml:"info"`
	Servers []struct {
		URL string `yaml:"url"`
	} `yaml:"servers"`
	Paths      yaml.Node `yaml:"paths"`
	Components struct {
		Schemas map[string]any `yaml:"schemas"`
	} `yaml:"components"`
}

type rawParameter struct {
	Name     string `yaml:"name"`
	In       string `yaml:"in"`
	Required bool   `yaml:"required"`
}

type rawOperation struct {
	OperationID string         `yaml:"operationId"`
	Summary     string         `yaml:"summary"`
	Parameters  []rawParameter `yaml:"parameters"`
	RequestBody struct {
		Content map[string]struct {
			Schema map[string]any `yaml:"schema"`
		} `yaml:"content"`
	} `yaml:"requestBody"`
	Responses map[string]struct {
		Content map[string]struct {
			Schema map[string]any `yaml:"schema"`
		} `yaml:"content"`
	} `yaml:"responses"`
	Extension *MeshExtension `yaml:"x-contextMesh"`
}

// Load reads and parses an OpenAPI document from disk.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}
	return Parse(data)
}

// Parse parses an OpenAPI document from YAML (or JSON, which YAML subsumes).
func Parse(data []byte) (*Document, error) {
	var raw rawDocument
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "parse OpenAPI document: %s", err.Error()).WithCause(err)
	}
	if raw.OpenAPI == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "document missing openapi version field")
	}

	doc := &Document{
		Title:      raw.Info.Title,
		Version:    raw.Info.Version,
		operations: make(map[string]*schema.OperationDescriptor),
		modules:    make(map[string][]schema.Step),
	}
	if len(raw.Servers) > 0 {
		doc.baseURL = raw.Servers[0].URL
	}

	if raw.Paths.Kind != yaml.MappingNode {
		return doc, nil
	}

	// Mapping nodes alternate key, value in Content; iterating them preserves
	// the document's path and method order.
	for i := 0; i+1 < len(raw.Paths.Content); i += 2 {
		pathTemplate := raw.Paths.Content[i].Value
		pathItem := raw.Paths.Content[i+1]
		if pathItem.Kind != yaml.MappingNode {
			continue
		}
		for j := 0; j+1 < len(pathItem.Content); j += 2 {
			method := strings.ToLower(pathItem.Content[j].Value)
			if !isHTTPMethod(method) {
				continue
			}
			var op rawOperation
			if err := pathItem.Content[j+1].Decode(&op); err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"decode operation %s %s: %s", method, pathTemplate, err.Error()).WithCause(err)
			}
			if op.OperationID == "" {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"operation %s %s has no operationId", method, pathTemplate)
			}
			if _, dup := doc.operations[op.OperationID]; dup {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"duplicate operationId %q", op.OperationID)
			}
			if err := doc.addOperation(strings.ToUpper(method), pathTemplate, &op, raw.Components.Schemas); err != nil {
				return nil, err
			}
		}
	}

	return doc, nil
}

func (d *Document) addOperation(method, pathTemplate string, op *rawOperation, schemas map[string]any) error {
	desc := &schema.OperationDescriptor{
		OperationID:  op.OperationID,
		Method:       method,
		PathTemplate: pathTemplate,
		Summary:      op.Summary,
		Parameters:   make(map[string]schema.ParameterSpec),
		Mandatory:    true,
	}

	for _, p := range op.Parameters {
		loc := schema.ParameterInQuery
		if p.In == "path" {
			loc = schema.ParameterInPath
		}
		desc.Parameters[p.Name] = schema.ParameterSpec{Location: loc, Required: p.Required || p.In == "path"}
	}

	if body, ok := op.RequestBody.Content["application/json"]; ok && body.Schema != nil {
		resolved, err := resolveRefs(body.Schema, schemas, 0)
		if err != nil {
			return err
		}
		raw, err := json.Marshal(resolved)
		if err != nil {
			return fmt.Errorf("marshal request schema for %s: %w", op.OperationID, err)
		}
		desc.RequestSchema = raw
		if resolvedMap, ok := resolved.(map[string]any); ok {
			registerBodyParams(desc, resolvedMap)
		}
	}

	if respSchema := successResponseSchema(op); respSchema != nil {
		resolved, err := resolveRefs(respSchema, schemas, 0)
		if err != nil {
			return err
		}
		raw, err := json.Marshal(resolved)
		if err != nil {
			return fmt.Errorf("marshal response schema for %s: %w", op.OperationID, err)
		}
		desc.ResponseSchema = raw
	}

	if ext := op.Extension; ext != nil {
		if ext.Mandatory != nil {
			desc.Mandatory = *ext.Mandatory
		}
		desc.ContextRefreshing = ext.ContextRefresh

		if ext.LogicModule != "" {
			step := schema.Step{
				OperationID:    op.OperationID,
				TemplateParams: ext.TemplateParams,
				RequiresLogic:  ext.RequiresLogic,
				Retry:          ext.Retry,
				StateUpdates: schema.StateUpdates{
					OnSuccess: convertInstructions(ext.StateUpdates.OnSuccess),
					OnFailure: convertInstructions(ext.StateUpdates.OnFailure),
				},
			}
			if _, seen := d.modules[ext.LogicModule]; !seen {
				d.moduleIDs = append(d.moduleIDs, ext.LogicModule)
			}
			d.modules[ext.LogicModule] = append(d.modules[ext.LogicModule], step)
		}
	}

	d.operations[op.OperationID] = desc
	return nil
}

// Descriptor returns the descriptor for an operation ID.
func (d *Document) Descriptor(operationID string) (*schema.OperationDescriptor, error) {
	desc, ok := d.operations[operationID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"unknown operation %q", operationID)
	}
	return desc, nil
}

// Operations lists every operation ID in the document.
func (d *Document) Operations() []string {
	out := make([]string, 0, len(d.operations))
	for id := range d.operations {
		out = append(out, id)
	}
	return out
}

// Modules lists logic module names in document order.
func (d *Document) Modules() []string {
	out := make([]string, len(d.moduleIDs))
	copy(out, d.moduleIDs)
	return out
}

// StepsForModule returns the ordered step sequence of one logic module.
func (d *Document) StepsForModule(name string) ([]schema.Step, error) {
	steps, ok := d.modules[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown logic module %q", name)
	}
	out := make([]schema.Step, len(steps))
	copy(out, steps)
	return out, nil
}

// BaseURL returns the first server URL declared in the document.
func (d *Document) BaseURL() string {
	return d.baseURL
}

func convertInstructions(raw []rawInstruction) []schema.StateUpdateInstruction {
	if len(raw) == 0 {
		return nil
	}
	out := make([]schema.StateUpdateInstruction, len(raw))
	for i, r := range raw {
		out[i] = schema.StateUpdateInstruction{Table: r.Table, Values: r.Values}
	}
	return out
}

// registerBodyParams maps top-level request body properties to body
// parameters so the invoker can place resolved values.
func registerBodyParams(desc *schema.OperationDescriptor, bodySchema map[string]any) {
	props, _ := bodySchema["properties"].(map[string]any)
	requiredSet := map[string]bool{}
	if reqs, ok := bodySchema["required"].([]any); ok {
		for _, r := range reqs {
			if name, ok := r.(string); ok {
				requiredSet[name] = true
			}
		}
	}
	for name := range props {
		if _, declared := desc.Parameters[name]; declared {
			continue
		}
		desc.Parameters[name] = schema.ParameterSpec{
			Location: schema.ParameterInBody,
			Required: requiredSet[name],
		}
	}
}

func successResponseSchema(op *rawOperation) map[string]any {
	for _, code := range []string{"200", "201", "202", "2XX", "default"} {
		resp, ok := op.Responses[code]
		if !ok {
			continue
		}
		if body, ok := resp.Content["application/json"]; ok && body.Schema != nil {
			return body.Schema
		}
	}
	return nil
}

const maxRefDepth = 32

// resolveRefs replaces #/components/schemas references inline. Depth-bounded
// to reject circular references.
func resolveRefs(node any, schemas map[string]any, depth int) (any, error) {
	if depth > maxRefDepth {
		return nil, schema.NewError(schema.ErrCodeValidation, "schema $ref nesting too deep, likely circular")
	}

	switch v := node.(type) {
	case map[string]any:
		if ref, ok := v["$ref"].(string); ok {
			const prefix = "#/components/schemas/"
			if !strings.HasPrefix(ref, prefix) {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "unsupported $ref target %q", ref)
			}
			name := strings.TrimPrefix(ref, prefix)
			target, ok := schemas[name]
			if !ok {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "unresolved $ref %q", ref)
			}
			return resolveRefs(target, schemas, depth+1)
		}
		out := make(map[string]any, len(v))
		for key, val := range v {
			resolved, err := resolveRefs(val, schemas, depth+1)
			if err != nil {
				return nil, err
			}
			out[key] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			resolved, err := resolveRefs(item, schemas, depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return node, nil
	}
}

func isHTTPMethod(s string) bool {
	for _, m := range httpMethods {
		if s == m {
			return true
		}
	}
	return false
}
