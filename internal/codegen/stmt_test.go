package codegen

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fasterbasic/fbc/internal/ast"
	"github.com/fasterbasic/fbc/internal/cfg"
	"github.com/fasterbasic/fbc/internal/data"
	"github.com/fasterbasic/fbc/internal/diag"
	"github.com/fasterbasic/fbc/internal/symtab"
)

func buildMainCFG(t *testing.T, tbl *symtab.Table, stmts []ast.Stmt) *cfg.CFG {
	t.Helper()
	prog := &ast.Program{Statements: stmts}
	sink := diag.NewSink()
	symtab.Populate(prog, tbl, sink)
	pc := cfg.Build(prog, tbl, sink)
	require.NotNil(t, pc.Main)
	return pc.Main
}

func TestEmitRoutineMainEndsWithRuntimeCleanupAndRetZero(t *testing.T) {
	tbl := symtab.New(false)
	g := buildMainCFG(t, tbl, []ast.Stmt{&ast.End{}})

	c := newTestContext(tbl)
	EmitRoutine(c, g)
	out := c.W.String()
	assert.Contains(t, out, "call $basic_runtime_cleanup()")
	assert.Contains(t, out, "ret 0")
}

func TestEmitRoutinePrintEmitsTypedPrinterCall(t *testing.T) {
	tbl := symtab.New(false)
	g := buildMainCFG(t, tbl, []ast.Stmt{
		&ast.Print{Items: []ast.PrintItem{{Value: &ast.String{Value: "hi"}, Sep: ast.SepNone}}},
		&ast.End{},
	})

	c := newTestContext(tbl)
	EmitRoutine(c, g)
	out := c.W.String()
	assert.Contains(t, out, "call $basic_print_string_desc")
}

func TestEmitRoutineSubEndsWithBareRet(t *testing.T) {
	tbl := symtab.New(false)
	sub := &cfg.CFG{
		Name:       "GREET",
		IsSub:      true,
		EntryBlock: 0,
		ExitBlock:  1,
	}
	sub.Blocks = []*cfg.Block{
		{ID: 0},
		{ID: 1},
	}

	c := newTestContext(tbl)
	c.CurrentFunc = "GREET"
	c.IsSub = true
	EmitRoutine(c, sub)
	out := c.W.String()
	assert.Contains(t, out, "ret")
	assert.NotContains(t, out, "basic_runtime_cleanup")
}

func TestEmitRestoreResolvesLineThroughDataVectorNotRawLineNumber(t *testing.T) {
	tbl := symtab.New(false)
	g := buildMainCFG(t, tbl, []ast.Stmt{
		&ast.Restore{Target: &ast.Target{Line: 40}},
		&ast.End{},
	})

	c := newTestContext(tbl)
	// Line 40's DATA items start at index 3 in the flattened vector, not
	// at the literal line number — RESTORE must emit that index.
	c.Values = &data.Vector{LineRestorePoints: map[int]int{40: 3}, LabelRestorePoints: map[string]int{}}
	EmitRoutine(c, g)
	out := c.W.String()
	assert.Contains(t, out, "call $basic_restore(l 3)")
	assert.NotContains(t, out, "call $basic_restore(l 40)")
}

func TestEmitRestoreNoTargetUsesIndexZero(t *testing.T) {
	tbl := symtab.New(false)
	g := buildMainCFG(t, tbl, []ast.Stmt{
		&ast.Restore{},
		&ast.End{},
	})

	c := newTestContext(tbl)
	EmitRoutine(c, g)
	assert.Contains(t, c.W.String(), "call $basic_restore(l 0)")
}

func TestPushGosubPastMaxDepthReportsCodegenErrorAndComment(t *testing.T) {
	tbl := symtab.New(false)
	c := newTestContext(tbl)
	re := newRoutineEmitter(c, &cfg.CFG{Blocks: []*cfg.Block{{ID: 0}}})

	for i := 0; i < maxGosubDepth; i++ {
		re.pushGosub(0)
	}
	require.True(t, c.Sink.Empty())

	re.pushGosub(0)
	assert.False(t, c.Sink.Empty())
	assert.Contains(t, c.W.String(), "# ERROR: GOSUB nesting exceeds")
}

func TestEmitDefFunctionIsASingleReturn(t *testing.T) {
	tbl := symtab.New(false)
	def := &cfg.CFG{
		Name: "FNDOUBLE",
		DefStmt: &ast.DefStatement{
			Name: "FNDOUBLE",
			Body: &ast.Binary{Op: ast.OpMul, Left: &ast.Number{Value: 2}, Right: &ast.Number{Value: 3}},
		},
	}

	c := newTestContext(tbl)
	EmitRoutine(c, def)
	out := c.W.String()
	assert.Contains(t, out, "ret")
	assert.NotContains(t, out, "@bb")
}
