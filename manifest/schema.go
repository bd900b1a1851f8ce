package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"unicode/utf8"

	"gopkg.in/yaml.v3"
)

type FieldType string

const (
	TypeString  FieldType = "string"
	TypeNumber  FieldType = "number"
	TypeInteger FieldType = "integer"
	TypeBoolean FieldType = "boolean"
	TypeSelect  FieldType = "select"
	TypeArray   FieldType = "array"
	TypeObject  FieldType = "object"
)

type Validation struct {
	Min       *float64 `yaml:"min" json:"min,omitempty"`
	Max       *float64 `yaml:"max" json:"max,omitempty"`
	MinLength *int     `yaml:"minLength" json:"minLength,omitempty"`
	MaxLength *int     `yaml:"maxLength" json:"maxLength,omitempty"`
	Pattern   string   `yaml:"pattern" json:"pattern,omitempty"`
}

// Field is one settings schema entry.
type Field struct {
	Key         string      `yaml:"-" json:"key"`
	Type        FieldType   `yaml:"type" json:"type"`
	Default     any         `yaml:"default" json:"default"`
	Required    bool        `yaml:"required" json:"required"`
	Description string      `yaml:"description" json:"description,omitempty"`
	Validation  *Validation `yaml:"validation" json:"validation,omitempty"`
	Options     []any       `yaml:"options" json:"options,omitempty"`

	pattern *regexp.Regexp
}

// Schema keeps settings fields in document order.
type Schema struct {
	Fields []*Field
}

func (s *Schema) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %v: settings must be a mapping", node.Line)
	}
	s.Fields = nil
	for i := 0; i+1 < len(node.Content); i += 2 {
		f := new(Field)
		if err := node.Content[i+1].Decode(f); err != nil {
			return err
		}
		f.Key = node.Content[i].Value
		f.Default = Normalize(f.Default)
		for j, v := range f.Options {
			f.Options[j] = Normalize(v)
		}
		s.Fields = append(s.Fields, f)
	}
	return nil
}

func (s Schema) MarshalJSON() ([]byte, error) {
	if s.Fields == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(s.Fields)
}

func (s *Schema) Get(key string) (*Field, bool) {
	for _, f := range s.Fields {
		if f.Key == key {
			return f, true
		}
	}
	return nil, false
}

// Defaults returns the default of every field that declares one.
func (s *Schema) Defaults() map[string]any {
	ret := make(map[string]any)
	for _, f := range s.Fields {
		if f.Default != nil {
			ret[f.Key] = f.Default
		}
	}
	return ret
}

func (f *Field) check() error {
	switch f.Type {
	case TypeString, TypeNumber, TypeInteger, TypeBoolean, TypeArray, TypeObject:
	case TypeSelect:
		if len(f.Options) == 0 {
			return errors.New("select requires options")
		}
	default:
		return fmt.Errorf("unknown type %q", f.Type)
	}
	if f.Validation != nil && f.Validation.Pattern != "" {
		re, err := regexp.Compile(f.Validation.Pattern)
		if err != nil {
			return err
		}
		f.pattern = re
	}
	if f.Default != nil {
		if err := f.Validate(f.Default); err != nil {
			return fmt.Errorf("default: %v", err)
		}
	}
	return nil
}

// Validate checks value against the field. nil is accepted unless required.
func (f *Field) Validate(value any) error {
	value = Normalize(value)
	if value == nil {
		if f.Required {
			return errors.New("value is required")
		}
		return nil
	}
	v := f.Validation
	switch f.Type {
	case TypeString:
		s, ok := value.(string)
		if !ok {
			return typeError(f.Type, value)
		}
		if err := checkLength(v, utf8.RuneCountInString(s)); err != nil {
			return err
		}
		if f.pattern == nil && v != nil && v.Pattern != "" {
			re, err := regexp.Compile(v.Pattern)
			if err != nil {
				return err
			}
			f.pattern = re
		}
		if f.pattern != nil && !f.pattern.MatchString(s) {
			return fmt.Errorf("%q does not match %v", s, f.pattern)
		}
	case TypeNumber, TypeInteger:
		n, ok := value.(float64)
		if !ok {
			return typeError(f.Type, value)
		}
		if f.Type == TypeInteger && n != float64(int64(n)) {
			return fmt.Errorf("%v is not an integer", n)
		}
		if v != nil && v.Min != nil && n < *v.Min {
			return fmt.Errorf("%v is less than minimum %v", n, *v.Min)
		}
		if v != nil && v.Max != nil && n > *v.Max {
			return fmt.Errorf("%v is greater than maximum %v", n, *v.Max)
		}
	case TypeBoolean:
		if _, ok := value.(bool); !ok {
			return typeError(f.Type, value)
		}
	case TypeSelect:
		if !f.hasOption(value) {
			return fmt.Errorf("%v is not one of %v", value, f.Options)
		}
	case TypeArray:
		s, ok := value.([]any)
		if !ok {
			return typeError(f.Type, value)
		}
		if err := checkLength(v, len(s)); err != nil {
			return err
		}
		if len(f.Options) > 0 {
			for _, e := range s {
				if !f.hasOption(e) {
					return fmt.Errorf("%v is not one of %v", e, f.Options)
				}
			}
		}
	case TypeObject:
		if _, ok := value.(map[string]any); !ok {
			return typeError(f.Type, value)
		}
	}
	return nil
}

func (f *Field) hasOption(value any) bool {
	for _, o := range f.Options {
		if reflect.DeepEqual(o, value) {
			return true
		}
	}
	return false
}

func checkLength(v *Validation, n int) error {
	if v == nil {
		return nil
	}
	if v.MinLength != nil && n < *v.MinLength {
		return fmt.Errorf("length %v is less than %v", n, *v.MinLength)
	}
	if v.MaxLength != nil && n > *v.MaxLength {
		return fmt.Errorf("length %v is greater than %v", n, *v.MaxLength)
	}
	return nil
}

func typeError(t FieldType, value any) error {
	return fmt.Errorf("expect %v, got %T", t, value)
}

// Normalize converts numbers to float64 and containers to []any / map[string]any,
// the shapes produced by JSON decoding.
func Normalize(value any) any {
	switch v := value.(type) {
	case nil, string, bool, float64:
		return v
	case int:
		return float64(v)
	case int8:
		return float64(v)
	case int16:
		return float64(v)
	case int32:
		return float64(v)
	case int64:
		return float64(v)
	case uint:
		return float64(v)
	case uint8:
		return float64(v)
	case uint16:
		return float64(v)
	case uint32:
		return float64(v)
	case uint64:
		return float64(v)
	case float32:
		return float64(v)
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
		return v.String()
	case []any:
		ret := make([]any, len(v))
		for i, e := range v {
			ret[i] = Normalize(e)
		}
		return ret
	case map[string]any:
		ret := make(map[string]any, len(v))
		for k, e := range v {
			ret[k] = Normalize(e)
		}
		return ret
	}

	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		ret := make([]any, rv.Len())
		for i := range ret {
			ret[i] = Normalize(rv.Index(i).Interface())
		}
		return ret
	case reflect.Map:
		ret := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			ret[fmt.Sprint(iter.Key().Interface())] = Normalize(iter.Value().Interface())
		}
		return ret
	}
	return value
}
