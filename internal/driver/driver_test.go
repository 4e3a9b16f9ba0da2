package driver

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fasterbasic/fbc/internal/ast"
	"github.com/fasterbasic/fbc/internal/data"
	"github.com/fasterbasic/fbc/internal/types"
)

func TestCompileEmptyMainProducesRunnableShell(t *testing.T) {
	prog := &ast.Program{Statements: []ast.Stmt{&ast.End{}}}
	il, diags, err := Compile(prog, data.NewVector(), Config{})
	require.NoError(t, err)
	assert.Empty(t, diags)
	assert.Contains(t, il, "export function w $main() {")
	assert.Contains(t, il, "@start")
	assert.Contains(t, il, "call $basic_runtime_init()")
	assert.Contains(t, il, "data $__basic_data = { l 0 }")
}

func TestCompileGlobalVectorOnlyEmittedWhenGlobalsDeclared(t *testing.T) {
	progNoGlobals := &ast.Program{Statements: []ast.Stmt{&ast.End{}}}
	il, _, err := Compile(progNoGlobals, data.NewVector(), Config{})
	require.NoError(t, err)
	assert.NotContains(t, il, "$__global_vector")

	progWithGlobal := &ast.Program{Statements: []ast.Stmt{
		&ast.Global{Decls: []ast.VarDecl{{Name: "TOTAL%", Type: types.IntegerDesc}}},
		&ast.End{},
	}}
	il2, _, err := Compile(progWithGlobal, data.NewVector(), Config{})
	require.NoError(t, err)
	assert.Contains(t, il2, "data $__global_vector = { z 8 }")
}

func TestCompileEmitsOneRoutinePerFunctionAndSub(t *testing.T) {
	prog := &ast.Program{Statements: []ast.Stmt{
		&ast.SubStatement{Name: "GREET", Body: []ast.Stmt{&ast.Return{}}},
		&ast.FunctionStatement{Name: "DOUBLE", Params: []ast.Param{{Name: "N", Type: types.IntegerDesc}}, ReturnType: types.IntegerDesc, Body: []ast.Stmt{
			&ast.Return{},
		}},
		&ast.End{},
	}}
	il, _, err := Compile(prog, data.NewVector(), Config{})
	require.NoError(t, err)
	assert.Contains(t, il, "export function $GREET() {")
	assert.Contains(t, il, "export function w $DOUBLE(w %N) {")
}

func TestCompileFORLoopVariableIsPreSeededInteger(t *testing.T) {
	forStmt := &ast.For{Var: "I", Start: &ast.Number{Value: 1}, End: &ast.Number{Value: 3}}
	prog := &ast.Program{Statements: []ast.Stmt{
		forStmt,
		&ast.Next{Var: "I"},
		&ast.End{},
	}}
	il, diags, err := Compile(prog, data.NewVector(), Config{})
	require.NoError(t, err)
	for _, d := range diags {
		t.Logf("diag: %s", d.Error())
	}
	assert.NotContains(t, il, "Unknown")
}

func TestCompileDataVectorPopulatesBasicData(t *testing.T) {
	prog := &ast.Program{Statements: []ast.Stmt{&ast.End{}}}
	values := data.NewVector()
	values.Values = append(values.Values,
		data.Value{Kind: data.Int, IValue: 42},
		data.Value{Kind: data.Str, SValue: "hello"},
	)
	il, _, err := Compile(prog, values, Config{})
	require.NoError(t, err)
	assert.Contains(t, il, "data $__basic_data = { l 42, l $data_str.0 }")
	assert.Contains(t, il, `data $data_str.0 = { b "hello", b 0 }`)
}

func TestCompileStringPoolIsSharedAcrossDataAndCode(t *testing.T) {
	prog := &ast.Program{Statements: []ast.Stmt{
		&ast.Print{Items: []ast.PrintItem{{Value: &ast.String{Value: "world"}}}},
		&ast.End{},
	}}
	values := data.NewVector()
	values.Values = append(values.Values, data.Value{Kind: data.Str, SValue: "hello"})
	il, _, err := Compile(prog, values, Config{})
	require.NoError(t, err)
	// "hello" was interned first (during data-section construction), so it
	// keeps index 0 even though "world" is only discovered later, during
	// statement emission.
	assert.True(t, strings.Index(il, `$data_str.0 = { b "hello"`) < strings.Index(il, `$data_str.1 = { b "world"`))
}

func TestCompileFatalSemanticErrorAbortsWithoutTrace(t *testing.T) {
	prog := &ast.Program{Statements: []ast.Stmt{
		&ast.Global{Decls: []ast.VarDecl{{Name: "X", Type: types.IntegerDesc}}},
		&ast.Global{Decls: []ast.VarDecl{{Name: "X", Type: types.DoubleDesc}}},
		&ast.End{},
	}}
	_, diags, err := Compile(prog, data.NewVector(), Config{})
	require.Error(t, err)
	require.NotEmpty(t, diags)
}
