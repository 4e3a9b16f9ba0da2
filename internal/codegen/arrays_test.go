package codegen

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fasterbasic/fbc/internal/ast"
	"github.com/fasterbasic/fbc/internal/symtab"
	"github.com/fasterbasic/fbc/internal/types"
)

func TestEmitArrayDescriptorWritesZeroSentinelDopeVector(t *testing.T) {
	w := NewWriter()
	EmitArrayDescriptor(w, "$arr_desc_A")
	assert.Equal(t, "data $arr_desc_A = { l 0, l 0, l -1, l 0, l -1, l 0, w 0, w 0, b 0, z 7 }\n", w.String())
}

func TestArrayDescSymbolMangles(t *testing.T) {
	sym := ArrayDescSymbol("A", false)
	assert.Equal(t, "$arr_desc_"+types.Mangle("A", false), sym)
}

func TestEmitRedimPreserveZeroFillsGrownTail(t *testing.T) {
	tbl := symtab.New(false)
	_, err := tbl.DeclareArray("A", symtab.ArrayInfo{
		ElemType: types.IntegerDesc,
		Dims:     []ast.DimSpec{{Lower: &ast.Number{Value: 0}, Upper: &ast.Number{Value: 4}}},
	}, false, ast.Location{File: "t.bas", Line: 1})
	require.NoError(t, err)

	c := newTestContext(tbl)
	emitRedim(c, &ast.Redim{
		Name:     "A",
		Preserve: true,
		Dims:     []ast.DimSpec{{Lower: &ast.Number{Value: 0}, Upper: &ast.Number{Value: 9}}},
	})
	out := c.W.String()
	assert.Contains(t, out, "call $realloc(")
	assert.Contains(t, out, "csgtl")
	assert.Contains(t, out, "call $memset(l %t")
}

func TestEmitRedimWithoutPreserveDoesNotEmitGrowthCheck(t *testing.T) {
	tbl := symtab.New(false)
	_, err := tbl.DeclareArray("B", symtab.ArrayInfo{
		ElemType: types.IntegerDesc,
		Dims:     []ast.DimSpec{{Lower: &ast.Number{Value: 0}, Upper: &ast.Number{Value: 4}}},
	}, false, ast.Location{File: "t.bas", Line: 1})
	require.NoError(t, err)

	c := newTestContext(tbl)
	emitRedim(c, &ast.Redim{
		Name: "B",
		Dims: []ast.DimSpec{{Lower: &ast.Number{Value: 0}, Upper: &ast.Number{Value: 9}}},
	})
	out := c.W.String()
	assert.Contains(t, out, "call $array_descriptor_erase(")
	assert.Contains(t, out, "call $malloc(")
	assert.NotContains(t, out, "csgtl")
}
