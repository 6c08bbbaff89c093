// Package endpoint turns plain Go functions into network-callable methods with a declared
// parameter schema.
package endpoint

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// FieldType is the JSON type a parameter must have. The zero value is not a valid type.
type FieldType int

const (
	typeUnset FieldType = iota
	String
	Int
	Float
	Bool
	Object
	Array
	Any
)

func (t FieldType) String() string {
	switch t {
	case String:
		return "string"
	case Int:
		return "int"
	case Float:
		return "float"
	case Bool:
		return "bool"
	case Object:
		return "object"
	case Array:
		return "array"
	case Any:
		return "any"
	default:
		return "unset"
	}
}

// Field declares one parameter.
type Field struct {
	Name     string
	Type     FieldType
	Required bool
	Default  any
}

// Required declares a parameter the caller must send.
func Required(name string, typ FieldType) Field {
	return Field{Name: name, Type: typ, Required: true}
}

// Optional declares a parameter that falls back to def when omitted.
func Optional(name string, typ FieldType, def any) Field {
	return Field{Name: name, Type: typ, Default: def}
}

func (f Field) validate() error {
	if f.Name == "" {
		return fmt.Errorf("field without a name")
	}
	if f.Type <= typeUnset || f.Type > Any {
		return fmt.Errorf("field %s has no type", f.Name)
	}
	if f.Required {
		return nil
	}
	raw, err := json.Marshal(f.Default)
	if err != nil {
		return fmt.Errorf("field %s default: %w", f.Name, err)
	}
	if !bytes.Equal(raw, []byte("null")) && !f.Type.accepts(raw) {
		return fmt.Errorf("field %s default %s is not a %s", f.Name, raw, f.Type)
	}
	return nil
}

// accepts reports whether raw is a JSON value of type t.
func (t FieldType) accepts(raw json.RawMessage) bool {
	var v any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return false
	}
	switch t {
	case Any:
		return true
	case String:
		_, ok := v.(string)
		return ok
	case Bool:
		_, ok := v.(bool)
		return ok
	case Object:
		_, ok := v.(map[string]any)
		return ok
	case Array:
		_, ok := v.([]any)
		return ok
	case Float:
		_, ok := v.(json.Number)
		return ok
	case Int:
		n, ok := v.(json.Number)
		if !ok {
			return false
		}
		_, err := n.Int64()
		return err == nil
	default:
		return false
	}
}
