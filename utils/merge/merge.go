// Package merge deep-merges partial configuration structs.
package merge

import (
	"fmt"
	"reflect"

	"dario.cat/mergo"
)

// Into merges src into dst. Non-zero fields of src override dst, maps are merged key by
// key, slices are replaced. A non-nil pointer to a scalar (*bool, *float64, *int...) in src
// always wins, so an explicit false or zero can be applied through a partial configuration.
func Into[T any](dst *T, src T) error {
	if err := mergo.Merge(dst, src, mergo.WithOverride, mergo.WithTransformers(scalarPtrTransformer{})); err != nil {
		return fmt.Errorf("failed to merge configuration: %w", err)
	}
	return nil
}

type scalarPtrTransformer struct{}

func (scalarPtrTransformer) Transformer(typ reflect.Type) func(dst, src reflect.Value) error {
	if typ.Kind() != reflect.Ptr || !isScalar(typ.Elem().Kind()) {
		return nil
	}
	return func(dst, src reflect.Value) error {
		if !src.IsNil() && dst.CanSet() {
			value := reflect.New(typ.Elem())
			value.Elem().Set(src.Elem())
			dst.Set(value)
		}
		return nil
	}
}

func isScalar(kind reflect.Kind) bool {
	switch kind {
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}
