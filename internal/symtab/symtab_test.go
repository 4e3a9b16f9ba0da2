package symtab

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fasterbasic/fbc/internal/ast"
	"github.com/fasterbasic/fbc/internal/diag"
	"github.com/fasterbasic/fbc/internal/types"
)

func loc(line int) ast.Location { return ast.Location{File: "t.bas", Line: line} }

func TestImplicitDeclarationNeverUnknown(t *testing.T) {
	tbl := New(false)
	info, err := tbl.LookupVariable("X%", loc(1))
	require.NoError(t, err)
	assert.Equal(t, types.Integer, info.Type.Kind)

	info2, err := tbl.LookupVariable("PLAIN", loc(2))
	require.NoError(t, err)
	assert.Equal(t, types.Double, info2.Type.Kind)
	assert.NotEqual(t, types.Unknown, info2.Type.Kind)
}

func TestLegacyDefaultIsSingle(t *testing.T) {
	tbl := New(true)
	info, err := tbl.LookupVariable("PLAIN", loc(1))
	require.NoError(t, err)
	assert.Equal(t, types.Single, info.Type.Kind)
}

func TestDuplicateDeclarationConflictingTypeFails(t *testing.T) {
	tbl := New(false)
	_, err := tbl.DeclareVariable("X", types.IntegerDesc, false, loc(1))
	require.NoError(t, err)
	_, err = tbl.DeclareVariable("X", types.DoubleDesc, false, loc(2))
	assert.Error(t, err)
}

func TestDuplicateDeclarationSameTypeSucceeds(t *testing.T) {
	tbl := New(false)
	_, err := tbl.DeclareVariable("X", types.IntegerDesc, false, loc(1))
	require.NoError(t, err)
	_, err = tbl.DeclareVariable("X", types.IntegerDesc, false, loc(2))
	assert.NoError(t, err)
}

func TestConstantLookupCaseInsensitive(t *testing.T) {
	tbl := New(false)
	err := tbl.DeclareConstant("PI", ConstantInfo{Kind: ast.ConstDouble, DValue: 3.14}, loc(1))
	require.NoError(t, err)
	info, ok := tbl.LookupConstant("pi")
	require.True(t, ok)
	assert.InDelta(t, 3.14, info.DValue, 1e-9)
}

func TestGlobalVsLocalScope(t *testing.T) {
	tbl := New(false)
	_, err := tbl.DeclareVariable("G%", types.IntegerDesc, true, loc(1))
	require.NoError(t, err)

	tbl.PushScope()
	_, err = tbl.DeclareVariable("L%", types.IntegerDesc, false, loc(2))
	require.NoError(t, err)

	// Globals are visible from inside a routine scope.
	g, err := tbl.LookupVariable("G%", loc(3))
	require.NoError(t, err)
	assert.True(t, g.IsGlobal)

	tbl.PopScope()
	// Locals from a popped scope are gone; looking it up again implicitly
	// redeclares it fresh (as a new local in the global scope).
	l, err := tbl.LookupVariable("L%", loc(4))
	require.NoError(t, err)
	assert.False(t, l.IsGlobal)
}

func TestRecordLayoutAlignmentAndPadding(t *testing.T) {
	tbl := New(false)
	err := tbl.DeclareRecordType(RecordType{
		Name: "PT",
		Fields: []Field{
			{Name: "X", Type: types.IntegerDesc},
			{Name: "Y", Type: types.DoubleDesc},
		},
	}, loc(1))
	require.NoError(t, err)

	layout, err := tbl.Layout("PT", loc(2))
	require.NoError(t, err)
	assert.Equal(t, 0, layout.Offsets["X"])
	assert.Equal(t, 8, layout.Offsets["Y"]) // padded to Double's 8-byte alignment
	assert.Equal(t, 16, layout.Size)
	assert.Equal(t, 8, layout.Align)
}

func TestRecordLayoutIsCached(t *testing.T) {
	tbl := New(false)
	require.NoError(t, tbl.DeclareRecordType(RecordType{
		Name:   "S",
		Fields: []Field{{Name: "A", Type: types.ByteDesc}},
	}, loc(1)))

	l1, err := tbl.Layout("S", loc(2))
	require.NoError(t, err)
	l2, err := tbl.Layout("S", loc(3))
	require.NoError(t, err)
	assert.Same(t, l1, l2)
}

func TestNestedRecordLayout(t *testing.T) {
	tbl := New(false)
	require.NoError(t, tbl.DeclareRecordType(RecordType{
		Name:   "INNER",
		Fields: []Field{{Name: "A", Type: types.ByteDesc}},
	}, loc(1)))
	require.NoError(t, tbl.DeclareRecordType(RecordType{
		Name: "OUTER",
		Fields: []Field{
			{Name: "N", Type: types.UserDefinedDesc("INNER", 0), NestedType: "INNER"},
			{Name: "Z", Type: types.IntegerDesc},
		},
	}, loc(2)))

	layout, err := tbl.Layout("OUTER", loc(3))
	require.NoError(t, err)
	// INNER has size 1 but 8-byte alignment as a nested record (§3.4).
	assert.Equal(t, 0, layout.Offsets["N"])
	assert.Equal(t, 8, layout.Offsets["Z"])
}

func TestSelfContainingRecordIsLayoutError(t *testing.T) {
	tbl := New(false)
	require.NoError(t, tbl.DeclareRecordType(RecordType{
		Name: "BAD",
		Fields: []Field{
			{Name: "Self", Type: types.UserDefinedDesc("BAD", 0), NestedType: "BAD"},
		},
	}, loc(1)))

	_, err := tbl.Layout("BAD", loc(2))
	assert.Error(t, err)
}

func TestEnterScopeIsPersistentByName(t *testing.T) {
	tbl := New(false)
	tbl.EnterScope("MYSUB")
	_, err := tbl.DeclareVariable("N%", types.IntegerDesc, false, loc(1))
	require.NoError(t, err)
	tbl.ExitScope()

	// Re-entering the same name later sees the same declaration, unlike
	// PushScope which hands out a fresh throwaway scope every call.
	tbl.EnterScope("mysub")
	info, err := tbl.LookupVariable("N%", loc(2))
	require.NoError(t, err)
	assert.False(t, info.IsGlobal)
	tbl.ExitScope()
}

func TestEnterScopeDoesNotSeeAnotherRoutinesLocals(t *testing.T) {
	tbl := New(false)
	tbl.EnterScope("A")
	_, err := tbl.DeclareVariable("N%", types.IntegerDesc, false, loc(1))
	require.NoError(t, err)
	tbl.ExitScope()

	tbl.EnterScope("B")
	// N% was never declared in B; implicit lookup declares it fresh here,
	// independent of A's local.
	info, err := tbl.LookupVariable("N%", loc(2))
	require.NoError(t, err)
	assert.False(t, info.IsGlobal)
	tbl.ExitScope()
}

func TestDeclareLocalForcesLocalOverExistingGlobal(t *testing.T) {
	tbl := New(false)
	_, err := tbl.DeclareVariable("X%", types.IntegerDesc, true, loc(1))
	require.NoError(t, err)

	tbl.EnterScope("R")
	_, err = tbl.DeclareLocal("X%", loc(2))
	require.NoError(t, err)
	info, err := tbl.LookupVariable("X%", loc(3))
	require.NoError(t, err)
	assert.False(t, info.IsGlobal)
	tbl.ExitScope()
}

func TestLocalScalarsExcludesGlobals(t *testing.T) {
	tbl := New(false)
	_, err := tbl.DeclareVariable("G%", types.IntegerDesc, true, loc(1))
	require.NoError(t, err)

	tbl.EnterScope("R")
	_, err = tbl.DeclareVariable("L%", types.IntegerDesc, false, loc(2))
	require.NoError(t, err)
	// G% was declared in the global scope before entering R, so R's own
	// LocalScalars lists only L%.
	locals := tbl.LocalScalars()
	require.Len(t, locals, 1)
	assert.Equal(t, "L%", locals[0].Name)
	tbl.ExitScope()
}

func TestGlobalSlotCountTracksGlobalDeclarationsOnly(t *testing.T) {
	tbl := New(false)
	assert.Equal(t, 0, tbl.GlobalSlotCount())
	_, err := tbl.DeclareVariable("G1%", types.IntegerDesc, true, loc(1))
	require.NoError(t, err)
	_, err = tbl.DeclareVariable("G2%", types.IntegerDesc, true, loc(2))
	require.NoError(t, err)
	assert.Equal(t, 2, tbl.GlobalSlotCount())

	// A local declaration must not consume a global slot.
	tbl.EnterScope("R")
	_, err = tbl.DeclareVariable("L%", types.IntegerDesc, false, loc(3))
	require.NoError(t, err)
	tbl.ExitScope()
	assert.Equal(t, 2, tbl.GlobalSlotCount())
}

func TestPopulateDeclaresGlobalsLocalsAndRoutineScopes(t *testing.T) {
	tbl := New(false)
	sink := diag.NewSink()
	prog := &ast.Program{
		Statements: []ast.Stmt{
			&ast.Global{Decls: []ast.VarDecl{{Name: "TOTAL%", Type: types.IntegerDesc}}},
			ast.NewIf(loc(1), ast.Number{Value: 1},
				[]ast.Stmt{&ast.Local{Names: []string{"TMP%"}}},
				nil, nil, true),
			&ast.SubStatement{
				Name: "GREET",
				Body: []ast.Stmt{&ast.Local{Names: []string{"MSG$"}}},
			},
		},
	}
	Populate(prog, tbl, sink)
	assert.True(t, sink.Empty())
	assert.Equal(t, 1, tbl.GlobalSlotCount())

	tbl.EnterScope("GREET")
	_, err := tbl.LookupVariable("MSG$", loc(2))
	require.NoError(t, err)
	tbl.ExitScope()

	info, ok := tbl.LookupFunction("GREET")
	require.True(t, ok)
	assert.True(t, info.IsSub)
}

func TestFieldTypeUndeclaredFieldFails(t *testing.T) {
	tbl := New(false)
	require.NoError(t, tbl.DeclareRecordType(RecordType{
		Name:   "PT",
		Fields: []Field{{Name: "X", Type: types.IntegerDesc}},
	}, loc(1)))

	_, err := tbl.FieldType("PT", "NOPE", loc(2))
	assert.Error(t, err)

	_, err = tbl.FieldType("NOTATYPE", "X", loc(3))
	assert.Error(t, err)
}
