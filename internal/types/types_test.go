package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDescriptorFromSuffix(t *testing.T) {
	cases := []struct {
		suffix byte
		kind   BaseKind
	}{
		{'%', Integer},
		{'&', Long},
		{'!', Single},
		{'#', Double},
		{'$', String},
		{'@', Byte},
		{'^', Short},
	}
	for _, c := range cases {
		desc, ok := DescriptorFromSuffix(c.suffix)
		require.True(t, ok, "suffix %q", c.suffix)
		assert.Equal(t, c.kind, desc.Kind)
	}

	_, ok := DescriptorFromSuffix('?')
	assert.False(t, ok)
}

func TestDescriptorFromKeyword(t *testing.T) {
	desc, ok := DescriptorFromKeyword("ubyte")
	require.True(t, ok)
	assert.Equal(t, UByte, desc.Kind)
	assert.Equal(t, 1, desc.Width)
	assert.False(t, desc.Signed)
}

func TestMangleRules(t *testing.T) {
	cases := []struct{ in, out string }{
		{"X%", "X_INT"},
		{"Y#", "Y_DOUBLE"},
		{"S$", "S_STRING"},
		{"Z!", "Z_FLOAT"},
		{"N&", "N_LONG"},
		{"B@", "B_BYTE"},
		{"W^", "W_SHORT"},
	}
	for _, c := range cases {
		assert.Equal(t, c.out, Mangle(c.in, false), "mangle(%q)", c.in)
	}
}

func TestMangleUnsuffixedUsesUnitDefault(t *testing.T) {
	assert.Equal(t, "FOO_DOUBLE", Mangle("FOO", false))
	assert.Equal(t, "FOO_FLOAT", Mangle("FOO", true))
}

func TestMangleIsIdempotent(t *testing.T) {
	names := []string{"X%", "Y#", "PLAIN", "Z!", "already_DOUBLE"}
	for _, n := range names {
		once := Mangle(n, false)
		twice := Mangle(once, false)
		assert.Equal(t, once, twice, "mangle not idempotent for %q", n)
	}
}

func TestSanitizeProducesValidIdentifierChars(t *testing.T) {
	inputs := []string{"step_X%", "end_Y#", "foreach_idx_Z!", "plain_name", "weird$name&here"}
	for _, in := range inputs {
		out := Sanitize(in)
		for i := 0; i < len(out); i++ {
			c := out[i]
			valid := (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '_'
			assert.True(t, valid, "sanitize(%q) produced invalid char %q", in, c)
		}
	}
}

func TestQBETypeClasses(t *testing.T) {
	assert.Equal(t, ClassWord, QBEType(IntegerDesc))
	assert.Equal(t, ClassWord, QBEType(ByteDesc))
	assert.Equal(t, ClassLong, QBEType(LongDesc))
	assert.Equal(t, ClassLong, QBEType(StringDesc))
	assert.Equal(t, ClassSingle, QBEType(SingleDesc))
	assert.Equal(t, ClassDouble, QBEType(DoubleDesc))
}

func TestQBELoadOps(t *testing.T) {
	assert.Equal(t, "loadsb", QBELoadOp(ByteDesc))
	assert.Equal(t, "loadub", QBELoadOp(UByteDesc))
	assert.Equal(t, "loadsh", QBELoadOp(ShortDesc))
	assert.Equal(t, "loaduh", QBELoadOp(UShortDesc))
	assert.Equal(t, "loadsw", QBELoadOp(IntegerDesc))
	assert.Equal(t, "loadl", QBELoadOp(LongDesc))
	assert.Equal(t, "loads", QBELoadOp(SingleDesc))
	assert.Equal(t, "loadd", QBELoadOp(DoubleDesc))
}

func TestLegacyKindDerivedNeverUnknownForDeclared(t *testing.T) {
	// Regression for the §9 dual-representation bug: any concrete
	// descriptor must map to a non-Unknown legacy kind.
	for _, desc := range []Descriptor{IntegerDesc, LongDesc, SingleDesc, DoubleDesc, StringDesc, UnicodeDesc} {
		assert.NotEqual(t, LegacyUnknown, desc.LegacyKind())
	}
	assert.Equal(t, LegacyUnknown, Unknown0.LegacyKind())
}

func TestNaturalAlignment(t *testing.T) {
	assert.Equal(t, 4, NaturalAlignment(IntegerDesc, 0))
	assert.Equal(t, 8, NaturalAlignment(StringDesc, 0))
	assert.Equal(t, 8, NaturalAlignment(PointerDesc, 0))
	assert.Equal(t, 16, NaturalAlignment(UserDefinedDesc("PT", 16), 16))
}
