package codegen

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fasterbasic/fbc/internal/ast"
	"github.com/fasterbasic/fbc/internal/data"
	"github.com/fasterbasic/fbc/internal/diag"
	"github.com/fasterbasic/fbc/internal/symtab"
	"github.com/fasterbasic/fbc/internal/types"
)

func newTestContext(tbl *symtab.Table) *Context {
	return &Context{
		Tbl:    tbl,
		Pool:   NewStringPool(),
		W:      NewWriter(),
		Sink:   diag.NewSink(),
		Values: data.NewVector(),
		Params: map[string]types.Descriptor{},
		Loc:    ast.Location{File: "t.bas", Line: 1},
	}
}

func TestEmitNumberAlwaysLowersToDouble(t *testing.T) {
	c := newTestContext(symtab.New(false))
	tmp, class, desc := EmitExpr(c, &ast.Number{Value: 2.5})
	assert.Equal(t, "%t1", tmp)
	assert.Equal(t, types.ClassDouble, class)
	assert.Equal(t, types.DoubleDesc, desc)
	assert.Contains(t, c.W.String(), "=d copy d_2.5")
}

func TestEmitStringInternsAndCallsStringNewUtf8(t *testing.T) {
	c := newTestContext(symtab.New(false))
	tmp, class, desc := EmitExpr(c, &ast.String{Value: "hi"})
	assert.Equal(t, "%t1", tmp)
	assert.Equal(t, types.ClassLong, class)
	assert.Equal(t, types.StringDesc, desc)
	assert.Contains(t, c.W.String(), "call $string_new_utf8(l $data_str.0)")
}

func TestEmitVariableGlobalLoadsFromGlobalVector(t *testing.T) {
	tbl := symtab.New(false)
	_, err := tbl.DeclareVariable("G%", types.IntegerDesc, true, ast.Location{File: "t.bas", Line: 1})
	require.NoError(t, err)

	c := newTestContext(tbl)
	_, class, desc := EmitExpr(c, &ast.Variable{Name: "G%"})
	assert.Equal(t, types.ClassWord, class)
	assert.Equal(t, types.IntegerDesc, desc)
	out := c.W.String()
	assert.Contains(t, out, "add $__global_vector, 0")
	assert.Contains(t, out, "loadsw")
}

func TestEmitVariableLocalLoadsFromStackSlot(t *testing.T) {
	tbl := symtab.New(false)
	_, err := tbl.DeclareVariable("L%", types.IntegerDesc, false, ast.Location{File: "t.bas", Line: 1})
	require.NoError(t, err)

	c := newTestContext(tbl)
	_, _, _ = EmitExpr(c, &ast.Variable{Name: "L%"})
	assert.Contains(t, c.W.String(), "%var_L")
}

func TestEmitVariableParameterBypassesSymbolTable(t *testing.T) {
	tbl := symtab.New(false)
	c := newTestContext(tbl)
	c.Params["N"] = types.IntegerDesc
	tmp, class, desc := EmitExpr(c, &ast.Variable{Name: "N"})
	assert.Equal(t, "%N", tmp)
	assert.Equal(t, types.ClassWord, class)
	assert.Equal(t, types.IntegerDesc, desc)
	// Parameters are read directly, no load instruction is emitted.
	assert.Empty(t, c.W.String())
}

func TestStoreVariableGlobalEmitsStore(t *testing.T) {
	tbl := symtab.New(false)
	_, err := tbl.DeclareVariable("G%", types.IntegerDesc, true, ast.Location{File: "t.bas", Line: 1})
	require.NoError(t, err)

	c := newTestContext(tbl)
	StoreVariable(c, "G%", "%fake_val", types.IntegerDesc)
	out := c.W.String()
	assert.Contains(t, out, "storew %fake_val,")
	assert.Contains(t, out, "add $__global_vector, 0")
}

func TestStoreVariableCoercesIntToDouble(t *testing.T) {
	tbl := symtab.New(false)
	_, err := tbl.DeclareVariable("D#", types.DoubleDesc, false, ast.Location{File: "t.bas", Line: 1})
	require.NoError(t, err)

	c := newTestContext(tbl)
	StoreVariable(c, "D#", "%fake_val", types.IntegerDesc)
	out := c.W.String()
	assert.Contains(t, out, "extsw")
	assert.Contains(t, out, "sltof")
	assert.Contains(t, out, "stored")
}

func TestArrayDescSymbolAndLocalSlotUseSameMangling(t *testing.T) {
	assert.Equal(t, "$arr_desc_"+types.Mangle("A", false), ArrayDescSymbol("A", false))
	assert.Equal(t, "%var_"+types.Mangle("A", false), localSlot("A", false))
}
