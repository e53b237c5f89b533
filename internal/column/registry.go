package column

import (
	"context"
	"fmt"
	"reflect"
	"sync"
)

// TagName is the struct tag read by Registry. Its value is the column's
// field name, e.g. `phi:"ssn"`.
const TagName = "phi"

var stringPtrType = reflect.TypeOf((*string)(nil))

// Registry groups the codecs of one resource type and applies them to
// tagged *string struct fields.
type Registry struct {
	mu     sync.RWMutex
	codecs map[string]Codec
}

func NewRegistry() *Registry {
	return &Registry{codecs: make(map[string]Codec)}
}

// Register adds codec under its field name. Registering the same field twice
// is an error.
func (r *Registry) Register(codec Codec) error {
	name := codec.Spec().FieldName
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.codecs[name]; exists {
		return fmt.Errorf("column %q is already registered", name)
	}
	r.codecs[name] = codec
	return nil
}

func (r *Registry) Codec(fieldName string) (Codec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.codecs[fieldName]
	return c, ok
}

// EncodeStruct replaces every tagged field of the struct pointed to by v
// with its token. On error v may be partially encoded.
func (r *Registry) EncodeStruct(ctx context.Context, ref Ref, v any) error {
	return r.walk(v, func(codec Codec, field reflect.Value) error {
		out, err := codec.Encode(ctx, ref, field.Interface().(*string))
		if err != nil {
			return err
		}
		field.Set(reflect.ValueOf(out))
		return nil
	})
}

// DecodeStruct replaces every tagged field with its plaintext.
func (r *Registry) DecodeStruct(ctx context.Context, ref Ref, v any) error {
	return r.walk(v, func(codec Codec, field reflect.Value) error {
		out, err := codec.Decode(ctx, ref, field.Interface().(*string))
		if err != nil {
			return err
		}
		field.Set(reflect.ValueOf(out))
		return nil
	})
}

func (r *Registry) walk(v any, apply func(Codec, reflect.Value) error) error {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Ptr || rv.IsNil() || rv.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("expected a non-nil pointer to a struct, got %T", v)
	}
	rv = rv.Elem()
	rt := rv.Type()

	for i := 0; i < rt.NumField(); i++ {
		sf := rt.Field(i)
		name, ok := sf.Tag.Lookup(TagName)
		if !ok || name == "" || name == "-" {
			continue
		}
		if !sf.IsExported() {
			return fmt.Errorf("field '%s' is tagged but not exported", sf.Name)
		}
		if sf.Type != stringPtrType {
			return fmt.Errorf("field '%s' must be *string, got %s", sf.Name, sf.Type)
		}
		codec, ok := r.Codec(name)
		if !ok {
			return fmt.Errorf("field '%s' references unregistered column %q", sf.Name, name)
		}
		if err := apply(codec, rv.Field(i)); err != nil {
			return fmt.Errorf("field '%s': %w", sf.Name, err)
		}
	}
	return nil
}
