package docstore

import (
	"reflect"
	"testing"
	"time"
)

func TestSchemaOf(t *testing.T) {
	tests := []struct {
		name     string
		key      any
		expected Schema
	}{
		{"simple", NoteKey{}, Schema{
			PartitionAttrs: []string{"user_id"},
			SortAttrs:      []string{"note_id"},
		}},
		{"composite", ComplexKey{}, Schema{
			PartitionAttrs: []string{"org_id", "dept_id"},
			SortAttrs:      []string{"category", "timestamp"},
		}},
		{"index", TagIndex{}, Schema{
			PartitionAttrs: []string{"tag"},
		}},
		{"pointer", &NoteKey{}, Schema{
			PartitionAttrs: []string{"user_id"},
			SortAttrs:      []string{"note_id"},
		}},
		{"scalar", "user-1", Schema{}},
		{"int", 42, Schema{}},
		{"time", time.Now(), Schema{}},
		{"tuple", Tuple{"a", "b"}, Schema{}},
		{"nil", nil, Schema{}},
		{"unmarked struct", struct{ A, B string }{}, Schema{}},
	}
	for _, tt := range tests {
		got := SchemaOf(tt.key)
		if !reflect.DeepEqual(got.PartitionAttrs, tt.expected.PartitionAttrs) || !reflect.DeepEqual(got.SortAttrs, tt.expected.SortAttrs) {
			t.Errorf("** SchemaOf(%s) = %v/%v, wanted %v/%v", tt.name,
				got.PartitionAttrs, got.SortAttrs, tt.expected.PartitionAttrs, tt.expected.SortAttrs)
		}
	}
}

func TestSchemaOrdinalsBeatDeclarationOrder(t *testing.T) {
	// Suffix is declared before Prefix but carries the higher ordinal.
	schema := SchemaOf(OrderedKey{})
	if !reflect.DeepEqual(schema.SortAttrs, []string{"prefix", "suffix"}) {
		t.Fatalf("SortAttrs = %v, wanted [prefix suffix]", schema.SortAttrs)
	}
	if !reflect.DeepEqual(schema.Attrs(), []string{"realm", "prefix", "suffix"}) {
		t.Fatalf("Attrs = %v", schema.Attrs())
	}
}

func TestSchemaTieBreakByDeclaration(t *testing.T) {
	type TieKey struct {
		B string `docstore:"b,partition"`
		A string `docstore:"a,partition"`
	}
	schema := SchemaOf(TieKey{})
	if !reflect.DeepEqual(schema.PartitionAttrs, []string{"b", "a"}) {
		t.Fatalf("PartitionAttrs = %v, wanted declaration order [b a]", schema.PartitionAttrs)
	}
}

func TestSchemaResolutionIsStable(t *testing.T) {
	first := SchemaOf(ComplexKey{})
	second := SchemaOf(ComplexKey{})
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("repeated resolution differs: %v vs %v", first, second)
	}
	if infoOf(reflect.TypeOf(ComplexKey{})) != infoOf(reflect.TypeOf(&ComplexKey{})) {
		// Pointer and value types resolve to separate cache entries but must
		// agree on the schema.
		if !reflect.DeepEqual(SchemaOf(ComplexKey{}), SchemaOf(&ComplexKey{})) {
			t.Fatalf("pointer and value schemas differ")
		}
	}
}

func TestSchemaFieldHandling(t *testing.T) {
	type Odd struct {
		Kept    string `docstore:"kept,partition"`
		Skipped string `docstore:"-"`
		Default string `docstore:",sort"`
		Mirror  string `docstore:"mirror,keycopy"`
		hidden  string
	}
	_ = Odd{hidden: ""}

	info := infoOf(reflect.TypeOf(Odd{}))
	if !reflect.DeepEqual(info.schema.PartitionAttrs, []string{"kept"}) {
		t.Errorf("** PartitionAttrs = %v", info.schema.PartitionAttrs)
	}
	if !reflect.DeepEqual(info.schema.SortAttrs, []string{"Default"}) {
		t.Errorf("** empty tag name should default to the field name, got %v", info.schema.SortAttrs)
	}
	if info.keyCopy == nil || info.keyCopy.attr != "mirror" {
		t.Errorf("** keycopy field not resolved: %+v", info.keyCopy)
	}
	for _, fi := range info.fields {
		if fi.attr == "Skipped" || fi.attr == "mirror" || fi.attr == "hidden" {
			t.Errorf("** attr %q should be excluded from persistent fields", fi.attr)
		}
	}
}
