package docstore

import (
	"reflect"
)

// FieldMapper lets a value type control its own field-map projection
// instead of the reflection-based default.
type FieldMapper interface {
	ToFields() map[string]any
}

// FieldUnmapper is the inverse of FieldMapper, implemented on a pointer
// receiver. A FromFields error is treated as a degraded construction, not
// an operation failure.
type FieldUnmapper interface {
	FromFields(fields map[string]any) error
}

// binding carries the per-(K, V) metadata every backend needs: the key
// type's resolved schema and the value type's field layout.
type binding[K comparable, V any] struct {
	keyType reflect.Type
	valInfo *typeInfo
}

func newBinding[K comparable, V any]() binding[K, V] {
	keyType := reflect.TypeOf((*K)(nil)).Elem()
	var v V
	b := binding[K, V]{keyType: keyType, valInfo: &typeInfo{}}
	if vt := reflect.TypeOf(v); vt != nil {
		b.valInfo = infoOf(vt)
	} else if vt := reflect.TypeOf((*V)(nil)).Elem(); vt.Kind() != reflect.Interface {
		b.valInfo = infoOf(vt)
	}
	return b
}

func infoOfValue(v any) *typeInfo {
	if v == nil {
		return &typeInfo{}
	}
	return infoOf(reflect.TypeOf(v))
}

// tupleOf projects a key object onto the given attribute names. With nil
// attrs, the object's own resolved schema is used. Scalars and Tuples take
// the identity path; missing attributes become nil components.
func tupleOf(obj any, attrs []string) Tuple {
	if obj == nil {
		return nil
	}
	if t, ok := obj.(Tuple); ok {
		return t
	}
	if c, ok := normalizeScalar(obj); ok {
		return Tuple{c}
	}
	if m, ok := obj.(map[string]any); ok {
		if attrs == nil {
			return nil
		}
		tup := make(Tuple, len(attrs))
		for i, a := range attrs {
			tup[i] = scalarOrNil(m[a])
		}
		return tup
	}

	info := infoOfValue(obj)
	if info.typ == nil {
		return nil
	}
	if attrs == nil {
		attrs = info.schema.Attrs()
	}
	rv := reflect.ValueOf(obj)
	for rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	tup := make(Tuple, len(attrs))
	for i, a := range attrs {
		if fi, ok := info.byAttr[a]; ok {
			tup[i] = scalarOrNil(rv.FieldByIndex(fi.index).Interface())
		}
	}
	return tup
}

func scalarOrNil(v any) any {
	if c, ok := normalizeScalar(v); ok {
		return c
	}
	return nil
}

func (b *binding[K, V]) keyTuple(key any) Tuple {
	return tupleOf(key, nil)
}

// partitionTuple falls back to the full key tuple for schemaless keys, so
// every key lands in some partition.
func (b *binding[K, V]) partitionTuple(key any) Tuple {
	info := infoOfValue(key)
	if info.schema.Empty() {
		return tupleOf(key, nil)
	}
	return tupleOf(key, info.schema.PartitionAttrs)
}

// sortTuple is empty for schemaless keys.
func (b *binding[K, V]) sortTuple(key any) Tuple {
	info := infoOfValue(key)
	if info.schema.Empty() {
		return nil
	}
	return tupleOf(key, info.schema.SortAttrs)
}

func (b *binding[K, V]) encodeKey(key K) []byte {
	return encodeTuple(nil, b.keyTuple(key))
}

// reconstructKey builds a typed key from a canonical tuple. Reconstruction
// is lenient: extra components are ignored, missing components stay zero,
// and when the target type cannot be built the raw tuple (or the bare
// scalar for single-component tuples) is returned if K admits it.
func (b *binding[K, V]) reconstructKey(tup Tuple) K {
	if v, ok := reconstruct(b.keyType, tup); ok {
		if k, ok := v.(K); ok {
			return k
		}
	}
	var raw any = tup
	if len(tup) == 1 {
		raw = tup[0]
	}
	if k, ok := raw.(K); ok {
		return k
	}
	var zero K
	return zero
}

func reconstruct(typ reflect.Type, tup Tuple) (any, bool) {
	if typ == nil || typ.Kind() == reflect.Interface {
		return nil, false
	}
	info := infoOf(typ)
	if info.typ == nil {
		// Scalar key type.
		if len(tup) != 1 {
			return nil, false
		}
		ptr := reflect.New(typ)
		if !assignValue(ptr.Elem(), tup[0]) {
			return nil, false
		}
		return ptr.Elem().Interface(), true
	}
	attrs := info.schema.Attrs()
	if len(attrs) == 0 {
		return nil, false
	}
	ptr := reflect.New(info.typ)
	for i, a := range attrs {
		if i >= len(tup) {
			break
		}
		if fi, ok := info.byAttr[a]; ok {
			assignValue(ptr.Elem().FieldByIndex(fi.index), tup[i])
		}
	}
	out := ptr.Elem()
	if typ.Kind() == reflect.Ptr {
		return out.Addr().Interface(), true
	}
	return out.Interface(), true
}

// fields converts a value into its persistent field map. Key-mirror,
// unexported and zero-valued fields are excluded; maps pass through
// unchanged; scalars are wrapped as {"value": v}.
func (b *binding[K, V]) fields(value V) map[string]any {
	return fieldsOf(any(value))
}

func fieldsOf(value any) map[string]any {
	switch v := value.(type) {
	case nil:
		return map[string]any{}
	case map[string]any:
		return v
	}
	if fm, ok := value.(FieldMapper); ok {
		return fm.ToFields()
	}
	info := infoOfValue(value)
	if info.typ == nil {
		return map[string]any{"value": value}
	}
	rv := reflect.ValueOf(value)
	for rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return map[string]any{}
		}
		rv = rv.Elem()
	}
	m := make(map[string]any, len(info.fields))
	for _, fi := range info.fields {
		fv := rv.FieldByIndex(fi.index)
		if fv.IsZero() {
			continue
		}
		m[fi.attr] = fv.Interface()
	}
	return m
}

// value converts a stored field map back into V, populating the key-mirror
// field with key when the type declares one. Construction degrades rather
// than fails: non-convertible fields are skipped, and when V is a map or
// interface type the raw field map itself is returned.
func (b *binding[K, V]) value(fields map[string]any, key any) V {
	var out V
	if fu, ok := any(&out).(FieldUnmapper); ok {
		_ = fu.FromFields(fields)
		b.setKeyCopy(&out, key)
		return out
	}

	rv := reflect.ValueOf(&out).Elem()
	switch rv.Kind() {
	case reflect.Interface, reflect.Map:
		if v, ok := any(fields).(V); ok {
			return v
		}
		return out
	case reflect.Ptr:
		if rv.Type().Elem().Kind() == reflect.Struct {
			rv.Set(reflect.New(rv.Type().Elem()))
			fillStruct(rv.Elem(), fields, b.valInfo)
			b.setKeyCopy(&out, key)
		}
		return out
	case reflect.Struct:
		fillStruct(rv, fields, b.valInfo)
		b.setKeyCopy(&out, key)
		return out
	default:
		if x, ok := fields["value"]; ok {
			assignValue(rv, x)
		}
		return out
	}
}

func (b *binding[K, V]) setKeyCopy(out *V, key any) {
	if b.valInfo.keyCopy == nil || key == nil {
		return
	}
	rv := reflect.ValueOf(out).Elem()
	for rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return
	}
	field := rv.FieldByIndex(b.valInfo.keyCopy.index)
	kv := reflect.ValueOf(key)
	if kv.IsValid() && kv.Type().AssignableTo(field.Type()) {
		field.Set(kv)
	}
}

func fillStruct(rv reflect.Value, fields map[string]any, info *typeInfo) {
	if info.typ != rv.Type() {
		info = infoOf(rv.Type())
	}
	for _, fi := range info.fields {
		if v, ok := fields[fi.attr]; ok {
			assignValue(rv.FieldByIndex(fi.index), v)
		}
	}
}

// assignValue sets dst from a decoded field value, converting between
// numeric kinds and recursing into slices, maps and nested structs.
// Returns false (leaving dst untouched) on a type mismatch.
func assignValue(dst reflect.Value, v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	if rv.Type().AssignableTo(dst.Type()) {
		dst.Set(rv)
		return true
	}
	if rv.Type().ConvertibleTo(dst.Type()) && sameClass(rv.Kind(), dst.Kind()) {
		dst.Set(rv.Convert(dst.Type()))
		return true
	}
	switch dst.Kind() {
	case reflect.Ptr:
		ptr := reflect.New(dst.Type().Elem())
		if assignValue(ptr.Elem(), v) {
			dst.Set(ptr)
			return true
		}
	case reflect.Slice:
		if rv.Kind() == reflect.Slice {
			out := reflect.MakeSlice(dst.Type(), rv.Len(), rv.Len())
			for i := 0; i < rv.Len(); i++ {
				assignValue(out.Index(i), rv.Index(i).Interface())
			}
			dst.Set(out)
			return true
		}
	case reflect.Map:
		if rv.Kind() == reflect.Map && dst.Type().Key().Kind() == reflect.String {
			out := reflect.MakeMapWithSize(dst.Type(), rv.Len())
			iter := rv.MapRange()
			for iter.Next() {
				mk := iter.Key()
				if !mk.Type().ConvertibleTo(dst.Type().Key()) {
					continue
				}
				mv := reflect.New(dst.Type().Elem()).Elem()
				if assignValue(mv, iter.Value().Interface()) {
					out.SetMapIndex(mk.Convert(dst.Type().Key()), mv)
				}
			}
			dst.Set(out)
			return true
		}
	case reflect.Struct:
		if m, ok := v.(map[string]any); ok {
			fillStruct(dst, m, infoOf(dst.Type()))
			return true
		}
	}
	return false
}

func sameClass(a, b reflect.Kind) bool {
	return kindClass(a) != 0 && kindClass(a) == kindClass(b)
}

func kindClass(k reflect.Kind) int {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return 1
	case reflect.String:
		return 2
	case reflect.Bool:
		return 3
	}
	return 0
}

// Secondary-index helpers, shared by every backend.

// indexAttrs resolves the attribute list a secondary index key projects.
func indexAttrs(indexKey any) []string {
	return infoOfValue(indexKey).schema.Attrs()
}

// indexTuple is the target tuple of an index lookup.
func indexTuple(indexKey any) (attrs []string, tup Tuple) {
	attrs = indexAttrs(indexKey)
	return attrs, tupleOf(indexKey, attrs)
}

// projectIndex projects a stored field map onto index attributes. Missing
// and non-scalar fields become nil components.
func projectIndex(fields map[string]any, attrs []string) Tuple {
	tup := make(Tuple, len(attrs))
	for i, a := range attrs {
		tup[i] = scalarOrNil(fields[a])
	}
	return tup
}
