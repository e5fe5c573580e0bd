package storage

import "reflect"

// FieldValue extracts the value at keyPath from a record. Records may be
// map[string]any (the common case — collections store plain maps so the
// kernel and extensions share one storage shape without per-type adapters)
// or a struct, in which case keyPath is matched against the `storage`
// struct tag, falling back to the exported field name.
func FieldValue(value any, keyPath string) (any, bool) {
	if m, ok := value.(map[string]any); ok {
		v, ok := m[keyPath]
		return v, ok
	}

	rv := reflect.ValueOf(value)
	for rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return nil, false
		}

		rv = rv.Elem()
	}

	if rv.Kind() != reflect.Struct {
		return nil, false
	}

	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		f := rt.Field(i)

		tag := f.Tag.Get("storage")
		if tag == keyPath || (tag == "" && f.Name == keyPath) {
			return rv.Field(i).Interface(), true
		}
	}

	return nil, false
}

// CompositeKey joins a record's key-path field values into a single
// comparable key, for collections whose key path names more than one
// field. A single-field key path yields a one-element key.
func CompositeKey(value any, keyPath []string) ([]any, bool) {
	key := make([]any, 0, len(keyPath))

	for _, field := range keyPath {
		v, ok := FieldValue(value, field)
		if !ok {
			return nil, false
		}

		key = append(key, v)
	}

	return key, true
}
