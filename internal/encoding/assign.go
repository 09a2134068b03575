package encoding

import (
	"fmt"
	"reflect"
)

// assign stores the decoded value v into dst, which must be a non-nil
// pointer. It understands the three shapes UnmarshalComposite's field
// tables use: a pointer to a plain value (*uint32), a pointer to a
// pointer (**uint32, for optional fields), and a pointer to an interface
// (*DeliveryState, *any).
func assign(dst any, v any) error {
	if dst == nil {
		return nil
	}
	rv := reflect.ValueOf(dst)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return fmt.Errorf("encoding: assign target must be a non-nil pointer, got %T", dst)
	}
	elem := rv.Elem()
	return assignValue(elem, v)
}

func assignValue(elem reflect.Value, v any) error {
	if v == nil {
		// leave the zero value in place; callers that need "was explicitly
		// null" semantics use HandleNull instead.
		return nil
	}

	switch elem.Kind() {
	case reflect.Ptr:
		rv := reflect.ValueOf(v)
		// v is already a fully-decoded pointer of the right shape (e.g. a
		// described type like *Error that decoded itself via the
		// registry) - assign it directly rather than re-wrapping.
		if rv.Kind() == reflect.Ptr && rv.Type().AssignableTo(elem.Type()) {
			elem.Set(rv)
			return nil
		}
		target := reflect.New(elem.Type().Elem())
		if err := assignValue(target.Elem(), v); err != nil {
			return err
		}
		elem.Set(target)
		return nil
	case reflect.Interface:
		rv := reflect.ValueOf(v)
		if elem.NumMethod() == 0 || rv.Type().Implements(elem.Type()) {
			elem.Set(rv)
			return nil
		}
		return fmt.Errorf("encoding: cannot assign %T to interface %s", v, elem.Type())
	}

	rv := reflect.ValueOf(v)

	if rv.Type().AssignableTo(elem.Type()) {
		elem.Set(rv)
		return nil
	}
	if rv.Type().ConvertibleTo(elem.Type()) {
		switch elem.Kind() {
		case reflect.String, reflect.Bool, reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
			reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Float32, reflect.Float64, reflect.Slice:
			elem.Set(rv.Convert(elem.Type()))
			return nil
		}
	}
	// widen/narrow numeric kinds across differing underlying sizes, e.g.
	// decoded uint32 into a uint16 field that the wire only ever sends
	// small values for
	if isNumericKind(rv.Kind()) && isNumericKind(elem.Kind()) {
		elem.Set(rv.Convert(elem.Type()))
		return nil
	}
	if elem.Kind() == reflect.Slice && rv.Kind() == reflect.Slice {
		out := reflect.MakeSlice(elem.Type(), rv.Len(), rv.Len())
		for i := 0; i < rv.Len(); i++ {
			if err := assignValue(out.Index(i), rv.Index(i).Interface()); err != nil {
				return err
			}
		}
		elem.Set(out)
		return nil
	}
	if elem.Kind() == reflect.Map && rv.Kind() == reflect.Map {
		out := reflect.MakeMapWithSize(elem.Type(), rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			k := reflect.New(elem.Type().Key()).Elem()
			if err := assignValue(k, iter.Key().Interface()); err != nil {
				return err
			}
			val := reflect.New(elem.Type().Elem()).Elem()
			if err := assignValue(val, iter.Value().Interface()); err != nil {
				return err
			}
			out.SetMapIndex(k, val)
		}
		elem.Set(out)
		return nil
	}

	return fmt.Errorf("encoding: cannot assign decoded %T into %s", v, elem.Type())
}

func isNumericKind(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	default:
		return false
	}
}
