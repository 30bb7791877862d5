package docstore

import (
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// tagName is the struct tag key used to declare key attributes:
//
//	`docstore:"attr_name,partition=1"`
//	`docstore:"attr_name,sort=2"`
//	`docstore:"attr_name,keycopy"`
//
// An empty attribute name defaults to the field name; "-" skips the field.
const tagName = "docstore"

// Schema describes the key structure of a record or key type: partition
// attributes followed by sort attributes, each sorted by declared ordinal
// with ties broken by field declaration order.
type Schema struct {
	PartitionAttrs []string
	SortAttrs      []string
}

func (s Schema) Empty() bool {
	return len(s.PartitionAttrs) == 0 && len(s.SortAttrs) == 0
}

// Attrs returns the full ordered attribute list, partition first.
func (s Schema) Attrs() []string {
	if len(s.SortAttrs) == 0 {
		return s.PartitionAttrs
	}
	attrs := make([]string, 0, len(s.PartitionAttrs)+len(s.SortAttrs))
	attrs = append(attrs, s.PartitionAttrs...)
	attrs = append(attrs, s.SortAttrs...)
	return attrs
}

// SchemaOf resolves the key schema of v's type. Resolution never fails:
// scalar types, Tuples and structs without markers yield an empty schema.
// Schemas are cached per type; repeated calls return identical results.
func SchemaOf(v any) Schema {
	if v == nil {
		return Schema{}
	}
	return infoOf(reflect.TypeOf(v)).schema
}

type fieldInfo struct {
	attr  string
	index []int
}

type typeInfo struct {
	typ     reflect.Type // underlying struct type, nil for non-structs
	schema  Schema
	fields  []fieldInfo // exported, non-keycopy, in declaration order
	byAttr  map[string]fieldInfo
	keyCopy *fieldInfo
}

var timeType = reflect.TypeOf(time.Time{})

var typeInfoCache sync.Map

func infoOf(typ reflect.Type) *typeInfo {
	if v, ok := typeInfoCache.Load(typ); ok {
		return v.(*typeInfo)
	}
	info := buildTypeInfo(typ)
	actual, _ := typeInfoCache.LoadOrStore(typ, info)
	return actual.(*typeInfo)
}

func buildTypeInfo(typ reflect.Type) *typeInfo {
	for typ != nil && typ.Kind() == reflect.Ptr {
		typ = typ.Elem()
	}
	if typ == nil || typ.Kind() != reflect.Struct || typ == timeType {
		return &typeInfo{}
	}

	type markedAttr struct {
		ord  int
		decl int
		attr string
	}
	var partition, sorted []markedAttr

	info := &typeInfo{typ: typ, byAttr: make(map[string]fieldInfo)}
	n := typ.NumField()
	for i := 0; i < n; i++ {
		field := typ.Field(i)
		if !field.IsExported() {
			continue
		}
		attr, opts := parseTag(field.Tag.Get(tagName))
		if attr == "-" {
			continue
		}
		if attr == "" {
			attr = field.Name
		}
		fi := fieldInfo{attr: attr, index: field.Index}

		if opts.keyCopy {
			keyCopy := fi
			info.keyCopy = &keyCopy
			continue
		}
		info.fields = append(info.fields, fi)
		info.byAttr[attr] = fi

		if opts.partition {
			partition = append(partition, markedAttr{opts.partitionOrd, i, attr})
		}
		if opts.sort {
			sorted = append(sorted, markedAttr{opts.sortOrd, i, attr})
		}
	}

	byOrdinal := func(attrs []markedAttr) []string {
		sort.SliceStable(attrs, func(i, j int) bool { return attrs[i].ord < attrs[j].ord })
		names := make([]string, len(attrs))
		for i, a := range attrs {
			names[i] = a.attr
		}
		return names
	}
	info.schema = Schema{
		PartitionAttrs: byOrdinal(partition),
		SortAttrs:      byOrdinal(sorted),
	}
	return info
}

type tagOptions struct {
	partition    bool
	partitionOrd int
	sort         bool
	sortOrd      int
	keyCopy      bool
}

func parseTag(tag string) (string, tagOptions) {
	var opts tagOptions
	name, rest, _ := strings.Cut(tag, ",")
	for rest != "" {
		var opt string
		opt, rest, _ = strings.Cut(rest, ",")
		key, val, _ := strings.Cut(opt, "=")
		ord, _ := strconv.Atoi(val)
		switch key {
		case "partition":
			opts.partition = true
			opts.partitionOrd = ord
		case "sort":
			opts.sort = true
			opts.sortOrd = ord
		case "keycopy":
			opts.keyCopy = true
		}
	}
	return name, opts
}
