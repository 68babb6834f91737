// Package schema validates and normalizes documents against a declarative
// field-by-field schema: types, required/default, constraints, transforms,
// strict extra-field rejection, and timestamp stamping.
package schema

import (
	"math"
	"regexp"
	"time"

	"github.com/danielxceron/docudb/internal/dberr"
	"github.com/danielxceron/docudb/internal/docmodel"
)

// Type is one of the field value types a FieldDef can declare.
type Type string

const (
	String  Type = "string"
	Number  Type = "number"
	Boolean Type = "boolean"
	Date    Type = "date"
	Object  Type = "object"
	Array   Type = "array"
)

// DefaultFunc computes a default value lazily, called only when the field
// is absent from the input document.
type DefaultFunc func(doc docmodel.Document, fieldName string) interface{}

// CustomFunc runs a user-supplied validator. ok=true means the value
// passes; ok=false and msg=="" means failure with a generic message;
// ok=false and msg!="" means failure with that specific message.
type CustomFunc func(value interface{}, doc docmodel.Document) (ok bool, msg string)

// Constraints are applied only when a field's value is present and
// non-null, in this fixed order: min/max, minLength/maxLength, pattern,
// enum, custom.
type Constraints struct {
	Min        *float64
	Max        *float64
	MinLength  *int
	MaxLength  *int
	Pattern    *regexp.Regexp
	Enum       []interface{}
	Custom     CustomFunc
	Message    string // overrides the generated error text for this field
}

// FieldDef describes one field of a schema.
type FieldDef struct {
	Name        string
	Type        Type
	Required    bool
	Default     interface{}
	DefaultFunc DefaultFunc
	Validate    Constraints
	Transform   func(value interface{}) interface{}
}

// Options carries schema-wide behavior flags.
type Options struct {
	Strict     bool
	Timestamps bool
	IDType     string
}

// Schema is an ordered set of field definitions plus options. Field order
// is preserved from construction and drives validation order.
type Schema struct {
	fields  []FieldDef
	byName  map[string]*FieldDef
	Options Options
}

// New builds a Schema from an ordered field list.
func New(fields []FieldDef, opts Options) *Schema {
	s := &Schema{
		fields:  fields,
		byName:  make(map[string]*FieldDef, len(fields)),
		Options: opts,
	}
	for i := range fields {
		s.byName[fields[i].Name] = &s.fields[i]
	}
	return s
}

// Field returns the named field definition, if any.
func (s *Schema) Field(name string) (*FieldDef, bool) {
	f, ok := s.byName[name]
	return f, ok
}

// OwnsIDValidation reports whether the schema defines an _id field with a
// validate.pattern, in which case the collection controller must delegate
// id-format validation here instead of applying its built-in isValidID
// check.
func (s *Schema) OwnsIDValidation() bool {
	f, ok := s.byName["_id"]
	return ok && f.Validate.Pattern != nil
}

// Rehydrate reconstructs schema-typed values a raw JSON round-trip loses —
// currently Date fields, which json.Marshal writes as RFC3339Nano strings
// and a document read back from disk would otherwise surface as a bare
// string rather than a time.Time. Unlike Validate, it does not touch
// defaults, constraints, or timestamps, so reading a document never
// mutates its _updatedAt.
func (s *Schema) Rehydrate(doc docmodel.Document) (docmodel.Document, error) {
	for i := range s.fields {
		f := &s.fields[i]
		if f.Type != Date {
			continue
		}
		raw, present := doc[f.Name]
		if !present || raw == nil {
			continue
		}
		str, ok := raw.(string)
		if !ok {
			continue
		}
		t, err := time.Parse(time.RFC3339Nano, str)
		if err != nil {
			return nil, dberr.New(dberr.CodeInvalidType, "schema.Rehydrate", "field \""+f.Name+"\" is not a valid date").WithContext("field", f.Name)
		}
		doc[f.Name] = t
	}
	return doc, nil
}

// Validate checks doc against the schema, producing a normalized output
// document with defaults applied, constraints enforced, transforms run,
// and (if enabled) timestamps stamped.
func (s *Schema) Validate(doc docmodel.Document) (docmodel.Document, error) {
	out := docmodel.Document{}

	for i := range s.fields {
		f := &s.fields[i]
		raw, present := doc[f.Name]

		if !present {
			if f.Required {
				return nil, s.fail(dberr.CodeRequiredField, f, nil, "field \""+f.Name+"\" is required")
			}

			value := s.applyDefault(doc, f)
			if f.Transform != nil {
				value = f.Transform(value)
			}
			out[f.Name] = value
			continue
		}

		if raw == nil {
			value := interface{}(nil)
			if f.Transform != nil {
				value = f.Transform(value)
			}
			out[f.Name] = value
			continue
		}

		value, err := s.checkType(f, raw)
		if err != nil {
			return nil, err
		}

		if err := s.checkConstraints(doc, f, value); err != nil {
			return nil, err
		}

		if f.Transform != nil {
			value = f.Transform(value)
		}
		out[f.Name] = value
	}

	if err := s.checkExtraFields(doc, out); err != nil {
		return nil, err
	}

	if s.Options.Timestamps {
		now := time.Now()
		out["_updatedAt"] = now
		if _, ok := doc["_createdAt"]; !ok {
			out["_createdAt"] = now
		}
		// else: already carried through from doc by checkExtraFields above
	}

	return out, nil
}

func (s *Schema) applyDefault(doc docmodel.Document, f *FieldDef) interface{} {
	if f.DefaultFunc != nil {
		return f.DefaultFunc(doc, f.Name)
	}
	if f.Default == nil {
		return nil
	}
	return docmodel.Clone(f.Default)
}

func (s *Schema) checkExtraFields(doc, out docmodel.Document) error {
	for k, v := range doc {
		if _, known := s.byName[k]; known {
			continue
		}
		if len(k) > 0 && k[0] == '_' {
			out[k] = v
			continue
		}
		if s.Options.Strict {
			return dberr.New(dberr.CodeInvalidField, "schema.Validate", "unexpected field \""+k+"\"").WithContext("field", k)
		}
		out[k] = v
	}
	return nil
}

func (s *Schema) checkType(f *FieldDef, raw interface{}) (interface{}, error) {
	switch f.Type {
	case String:
		v, ok := raw.(string)
		if !ok {
			return nil, s.fail(dberr.CodeInvalidType, f, raw, "field \""+f.Name+"\" must be a string")
		}
		return v, nil
	case Number:
		n, ok := asFloat(raw)
		if !ok || math.IsNaN(n) {
			return nil, s.fail(dberr.CodeInvalidType, f, raw, "field \""+f.Name+"\" must be a number")
		}
		return n, nil
	case Boolean:
		v, ok := raw.(bool)
		if !ok {
			return nil, s.fail(dberr.CodeInvalidType, f, raw, "field \""+f.Name+"\" must be a boolean")
		}
		return v, nil
	case Date:
		switch v := raw.(type) {
		case time.Time:
			return v, nil
		case string:
			t, err := time.Parse(time.RFC3339Nano, v)
			if err != nil {
				return nil, s.fail(dberr.CodeInvalidType, f, raw, "field \""+f.Name+"\" must be a valid date")
			}
			return t, nil
		default:
			return nil, s.fail(dberr.CodeInvalidType, f, raw, "field \""+f.Name+"\" must be a date")
		}
	case Object:
		v, ok := raw.(map[string]interface{})
		if !ok {
			return nil, s.fail(dberr.CodeInvalidType, f, raw, "field \""+f.Name+"\" must be an object")
		}
		return v, nil
	case Array:
		v, ok := raw.([]interface{})
		if !ok {
			return nil, s.fail(dberr.CodeInvalidType, f, raw, "field \""+f.Name+"\" must be an array")
		}
		return v, nil
	default:
		return raw, nil
	}
}

func (s *Schema) checkConstraints(doc docmodel.Document, f *FieldDef, value interface{}) error {
	c := f.Validate

	if c.Min != nil || c.Max != nil {
		if n, ok := asFloat(value); ok {
			if c.Min != nil && n < *c.Min {
				return s.fail(dberr.CodeInvalidValue, f, value, "field \""+f.Name+"\" must be >= min")
			}
			if c.Max != nil && n > *c.Max {
				return s.fail(dberr.CodeInvalidValue, f, value, "field \""+f.Name+"\" must be <= max")
			}
		}
	}

	if c.MinLength != nil || c.MaxLength != nil {
		length, ok := lengthOf(value)
		if ok {
			if c.MinLength != nil && length < *c.MinLength {
				return s.fail(dberr.CodeInvalidLength, f, value, "field \""+f.Name+"\" is shorter than minLength")
			}
			if c.MaxLength != nil && length > *c.MaxLength {
				return s.fail(dberr.CodeInvalidLength, f, value, "field \""+f.Name+"\" is longer than maxLength")
			}
		}
	}

	if c.Pattern != nil {
		str, ok := value.(string)
		if !ok || !c.Pattern.MatchString(str) {
			return s.fail(dberr.CodeInvalidRegex, f, value, "field \""+f.Name+"\" does not match the required pattern")
		}
	}

	if len(c.Enum) > 0 {
		found := false
		for _, e := range c.Enum {
			if docmodel.DeepEqual(value, e) {
				found = true
				break
			}
		}
		if !found {
			return s.fail(dberr.CodeInvalidEnum, f, value, "field \""+f.Name+"\" is not one of the allowed values")
		}
	}

	if c.Custom != nil {
		ok, msg := c.Custom(value, doc)
		if !ok {
			if msg == "" {
				msg = "field \"" + f.Name + "\" failed custom validation"
			}
			return s.failMsg(dberr.CodeCustomValidation, f, value, msg)
		}
	}

	return nil
}

func (s *Schema) fail(code dberr.Code, f *FieldDef, value interface{}, generated string) error {
	return s.failMsg(code, f, value, generated)
}

func (s *Schema) failMsg(code dberr.Code, f *FieldDef, value interface{}, generated string) error {
	msg := generated
	if f.Validate.Message != "" {
		msg = f.Validate.Message
	}
	e := dberr.New(code, "schema.Validate", msg).WithContext("field", f.Name)
	return e
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func lengthOf(v interface{}) (int, bool) {
	switch val := v.(type) {
	case string:
		return len([]rune(val)), true
	case []interface{}:
		return len(val), true
	default:
		return 0, false
	}
}
