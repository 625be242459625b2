package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"reflect"
	"strconv"
	"strings"

	"github.com/ExtendOSS/serverless-agent-pattern/pkg/apperr"
)

// TypedTool binds a handler over Go types to a schema derived from the input
// struct's json, jsonschema and description tags.
type TypedTool[I, O any] struct {
	name        string
	description string
	handler     func(context.Context, I) (O, error)
	schema      Schema
}

// FieldOption adjusts one generated schema field. It is the place for
// constraints a struct tag cannot express, such as a pattern containing a
// comma or an enum computed at runtime.
type FieldOption func(Schema)

// WithField applies fn to the named field when it exists.
func WithField(name string, fn func(*SchemaField)) FieldOption {
	return func(s Schema) {
		field, ok := s[name]
		if !ok {
			return
		}
		fn(&field)
		s[name] = field
	}
}

// NewTypedTool creates a tool whose schema is generated from I.
func NewTypedTool[I, O any](name, description string, handler func(context.Context, I) (O, error), opts ...FieldOption) *TypedTool[I, O] {
	schema := generateSchema[I]()
	for _, opt := range opts {
		opt(schema)
	}
	return &TypedTool[I, O]{
		name:        name,
		description: description,
		handler:     handler,
		schema:      schema,
	}
}

// Name returns the tool name.
func (t *TypedTool[I, O]) Name() string { return t.name }

// Description returns the tool description.
func (t *TypedTool[I, O]) Description() string { return t.description }

// Schema returns the generated schema.
func (t *TypedTool[I, O]) Schema() Schema { return t.schema }

// ToTool converts the typed tool for registration.
func (t *TypedTool[I, O]) ToTool() Tool {
	return Tool{
		Name:        t.name,
		Description: t.description,
		Schema:      t.schema,
		Handler:     t.handle,
	}
}

// handle decodes args into I. Arguments the schema does not name are
// rejected rather than silently dropped.
func (t *TypedTool[I, O]) handle(ctx context.Context, args Args) (any, error) {
	data, err := json.Marshal(args)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, err, "encode arguments")
	}

	var input I
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&input); err != nil {
		return nil, apperr.Validation("argument validation failed", []string{err.Error()})
	}

	return t.handler(ctx, input)
}

// RegisterTypedTool registers anything convertible to a Tool.
func (s *Server) RegisterTypedTool(tool interface{ ToTool() Tool }) error {
	return s.RegisterTool(tool.ToTool())
}

// generateSchema derives a schema from the exported fields of struct T.
// Anything else yields an empty schema.
func generateSchema[T any]() Schema {
	schema := make(Schema)
	typ := reflect.TypeOf((*T)(nil)).Elem()
	if typ.Kind() == reflect.Pointer {
		typ = typ.Elem()
	}
	if typ.Kind() != reflect.Struct {
		return schema
	}

	for i := range typ.NumField() {
		sf := typ.Field(i)
		if !sf.IsExported() {
			continue
		}
		name := jsonName(sf)
		if name == "-" {
			continue
		}

		field := SchemaField{
			Type:        jsonType(sf.Type),
			Description: sf.Tag.Get("description"),
		}
		applySchemaTag(sf.Tag.Get("jsonschema"), &field)
		schema[name] = field
	}
	return schema
}

func jsonName(sf reflect.StructField) string {
	name, _, _ := strings.Cut(sf.Tag.Get("json"), ",")
	if name == "" {
		return strings.ToLower(sf.Name)
	}
	return name
}

func jsonType(t reflect.Type) string {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return "integer"
	case reflect.Float32, reflect.Float64:
		return "number"
	case reflect.Bool:
		return "boolean"
	case reflect.Slice, reflect.Array:
		return "array"
	case reflect.Map, reflect.Struct:
		return "object"
	}
	return "string"
}

// applySchemaTag reads comma-separated options: a bare "required", or
// key=value for minLength, maxLength, minimum, maximum, pattern and enum
// (values separated by "|"). Malformed numbers are ignored.
func applySchemaTag(tag string, field *SchemaField) {
	if tag == "" {
		return
	}
	for _, opt := range strings.Split(tag, ",") {
		key, value, hasValue := strings.Cut(strings.TrimSpace(opt), "=")
		if !hasValue {
			if key == "required" {
				field.Required = true
			}
			continue
		}
		value = strings.TrimSpace(value)

		switch strings.TrimSpace(key) {
		case "minLength":
			if n, err := strconv.Atoi(value); err == nil {
				field.MinLength = n
			}
		case "maxLength":
			if n, err := strconv.Atoi(value); err == nil {
				field.MaxLength = n
			}
		case "minimum":
			if f, err := strconv.ParseFloat(value, 64); err == nil {
				field.Minimum = &f
			}
		case "maximum":
			if f, err := strconv.ParseFloat(value, 64); err == nil {
				field.Maximum = &f
			}
		case "pattern":
			field.Pattern = value
		case "enum":
			for _, v := range strings.Split(value, "|") {
				field.Enum = append(field.Enum, strings.TrimSpace(v))
			}
		}
	}
}
