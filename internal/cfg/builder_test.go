package cfg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fasterbasic/fbc/internal/ast"
	"github.com/fasterbasic/fbc/internal/diag"
	"github.com/fasterbasic/fbc/internal/symtab"
)

func loc(line int) ast.Location { return ast.Location{File: "t.bas", Line: line} }

// Statements that need a specific source line (for GOTO/GOSUB/label
// resolution tests) get it by assigning the Loc field that each ast
// statement struct promotes from its embedded location base.
func TestSimpleStatementsStayInOneBlock(t *testing.T) {
	prog := &ast.Program{Statements: []ast.Stmt{
		&ast.Print{Items: []ast.PrintItem{{Value: &ast.Number{Value: 1}}}},
		&ast.Print{Items: []ast.PrintItem{{Value: &ast.Number{Value: 2}}}},
		&ast.End{},
	}}
	pc := Build(prog, nil, diag.NewSink())
	require.NotNil(t, pc.Main)
	assert.Len(t, pc.Main.Blocks, 2) // start block (holds all 3 stmts) + implicit exit
	assert.Len(t, pc.Main.Block(pc.Main.EntryBlock).Stmts, 3)
}

func TestMultiLineIfCreatesFourBlocks(t *testing.T) {
	ifStmt := &ast.If{
		Cond:        &ast.Variable{Name: "X"},
		Then:        []ast.Stmt{&ast.Print{}},
		Else:        []ast.Stmt{&ast.Print{}},
		IsMultiLine: true,
	}
	prog := &ast.Program{Statements: []ast.Stmt{ifStmt, &ast.End{}}}
	pc := Build(prog, nil, diag.NewSink())

	entry := pc.Main.Block(pc.Main.EntryBlock)
	require.Len(t, entry.Stmts, 1)
	assert.Equal(t, 2, len(entry.Succ()))

	var conditionalEdges int
	for _, e := range pc.Main.Edges {
		if e.Kind == Conditional {
			conditionalEdges++
		}
	}
	assert.Equal(t, 2, conditionalEdges)
}

func TestSingleLineIfDoesNotSplitBlock(t *testing.T) {
	ifStmt := &ast.If{
		Cond:        &ast.Variable{Name: "X"},
		Then:        []ast.Stmt{&ast.Print{}},
		IsMultiLine: false,
	}
	prog := &ast.Program{Statements: []ast.Stmt{ifStmt, &ast.End{}}}
	pc := Build(prog, nil, diag.NewSink())
	assert.Len(t, pc.Main.Blocks, 2) // entry (with the inline If) + exit
}

func TestForLoopSkeleton(t *testing.T) {
	forStmt := &ast.For{Var: "I", Start: &ast.Number{Value: 1}, End: &ast.Number{Value: 3}}
	nextStmt := &ast.Next{Var: "I"}
	prog := &ast.Program{Statements: []ast.Stmt{
		forStmt,
		&ast.Print{Items: []ast.PrintItem{{Value: &ast.Variable{Name: "I"}}}},
		nextStmt,
		&ast.End{},
	}}
	pc := Build(prog, nil, diag.NewSink())

	entry := pc.Main.EntryBlock
	info, ok := pc.Main.ForLoopStructure[entry]
	require.True(t, ok)
	assert.Equal(t, "I", info.Variable)
	assert.False(t, info.IsForEach)

	check := pc.Main.Block(info.CheckBlock)
	assert.Len(t, check.Succ(), 2)

	body := pc.Main.Block(info.BodyBlock)
	assert.Contains(t, body.Succ(), info.CheckBlock) // back edge
}

func TestWhileWendSkeleton(t *testing.T) {
	prog := &ast.Program{Statements: []ast.Stmt{
		&ast.While{Cond: &ast.Variable{Name: "X"}},
		&ast.Print{},
		&ast.Wend{},
		&ast.End{},
	}}
	pc := Build(prog, nil, diag.NewSink())
	require.Len(t, pc.Main.DoLoopStructure, 1)
	for _, info := range pc.Main.DoLoopStructure {
		header := pc.Main.Block(info.HeaderBlock)
		assert.True(t, header.IsLoopHeader)
		assert.Len(t, header.Succ(), 2)
	}
}

func TestDoLoopPretestAndPosttest(t *testing.T) {
	pretest := &ast.Program{Statements: []ast.Stmt{
		&ast.Do{ConditionType: ast.CondWhile, Condition: &ast.Variable{Name: "X"}},
		&ast.Print{},
		&ast.Loop{ConditionType: ast.CondNone},
		&ast.End{},
	}}
	pc := Build(pretest, nil, diag.NewSink())
	require.Len(t, pc.Main.DoLoopStructure, 1)
	for _, info := range pc.Main.DoLoopStructure {
		assert.False(t, info.HasFooter)
	}

	posttest := &ast.Program{Statements: []ast.Stmt{
		&ast.Do{ConditionType: ast.CondNone},
		&ast.Print{},
		&ast.Loop{ConditionType: ast.CondUntil, Condition: &ast.Variable{Name: "X"}},
		&ast.End{},
	}}
	pc2 := Build(posttest, nil, diag.NewSink())
	require.Len(t, pc2.Main.DoLoopStructure, 1)
	for _, info := range pc2.Main.DoLoopStructure {
		assert.True(t, info.HasFooter)
	}
}

func TestRepeatUntilSkeleton(t *testing.T) {
	prog := &ast.Program{Statements: []ast.Stmt{
		&ast.Repeat{},
		&ast.Print{},
		&ast.Until{Condition: &ast.Variable{Name: "X"}},
		&ast.End{},
	}}
	pc := Build(prog, nil, diag.NewSink())
	require.Len(t, pc.Main.DoLoopStructure, 1)
}

func TestExitForJumpsToLoopExit(t *testing.T) {
	forStmt := &ast.For{Var: "I", Start: &ast.Number{Value: 1}, End: &ast.Number{Value: 3}}
	prog := &ast.Program{Statements: []ast.Stmt{
		forStmt,
		&ast.Exit{Kind: ast.ExitFor},
		&ast.Next{Var: "I"},
		&ast.End{},
	}}
	sink := diag.NewSink()
	pc := Build(prog, nil, sink)
	assert.False(t, sink.Fatal())

	info := pc.Main.ForLoopStructure[pc.Main.EntryBlock]
	body := pc.Main.Block(info.BodyBlock)
	assert.Contains(t, body.Succ(), info.ExitBlock)
}

func TestExitOutsideLoopReportsCFGError(t *testing.T) {
	prog := &ast.Program{Statements: []ast.Stmt{
		&ast.Exit{Kind: ast.ExitFor},
		&ast.End{},
	}}
	sink := diag.NewSink()
	Build(prog, nil, sink)
	assert.True(t, sink.Fatal())
}

func TestGosubReturnBlockRegisteredAndReturnDispatchesToAllSites(t *testing.T) {
	gosub1 := &ast.Gosub{Target: ast.Target{Line: 100}}
	gosub1.Loc = loc(10)
	printAfter1 := &ast.Print{}
	printAfter1.Loc = loc(20)
	endStmt := &ast.End{}
	endStmt.Loc = loc(30)
	printSub := &ast.Print{}
	printSub.Loc = loc(100)
	ret := &ast.Return{}
	ret.Loc = loc(110)

	prog := &ast.Program{Statements: []ast.Stmt{gosub1, printAfter1, endStmt, printSub, ret}}
	sink := diag.NewSink()
	pc := Build(prog, nil, sink)
	require.False(t, sink.Fatal())

	assert.Len(t, pc.Main.GosubReturnBlocks, 1)

	var returnBlockID BlockID
	for _, blk := range pc.Main.Blocks {
		for _, s := range blk.Stmts {
			if _, isRet := s.(*ast.Return); isRet {
				returnBlockID = blk.ID
			}
		}
	}
	returnBlock := pc.Main.Block(returnBlockID)
	var dispatchCount int
	for _, succ := range returnBlock.Succ() {
		if pc.Main.GosubReturnBlocks[succ] {
			dispatchCount++
		}
	}
	assert.Equal(t, 1, dispatchCount)
	assert.Contains(t, returnBlock.Succ(), pc.Main.ExitBlock) // underflow fallback
}

func TestGotoForwardReferenceResolves(t *testing.T) {
	gotoStmt := &ast.Goto{Target: ast.Target{Line: 100}}
	gotoStmt.Loc = loc(10)
	target := &ast.Print{}
	target.Loc = loc(100)
	prog := &ast.Program{Statements: []ast.Stmt{gotoStmt, target, &ast.End{}}}
	sink := diag.NewSink()
	pc := Build(prog, nil, sink)
	assert.False(t, sink.Fatal())

	targetBlockID, ok := pc.Main.LineNumberToBlock[100]
	require.True(t, ok)

	entry := pc.Main.Block(pc.Main.EntryBlock)
	assert.Contains(t, entry.Succ(), targetBlockID)
}

func TestUnresolvedGotoReportsErrorAndFallsBackToExit(t *testing.T) {
	gotoStmt := &ast.Goto{Target: ast.Target{Line: 9999}}
	gotoStmt.Loc = loc(10)
	prog := &ast.Program{Statements: []ast.Stmt{gotoStmt}}
	sink := diag.NewSink()
	pc := Build(prog, nil, sink)
	assert.True(t, sink.Fatal())
	entry := pc.Main.Block(pc.Main.EntryBlock)
	assert.Contains(t, entry.Succ(), pc.Main.ExitBlock)
}

func TestSelectCaseBuildsTestAndBodyChain(t *testing.T) {
	sel := &ast.SelectCase{
		Selector: &ast.Variable{Name: "X"},
		Cases: []ast.CaseClause{
			{Matches: []ast.CaseMatch{{Kind: ast.CaseValue, A: &ast.Number{Value: 1}}}, Body: []ast.Stmt{&ast.Print{}}},
			{Matches: []ast.CaseMatch{{Kind: ast.CaseValue, A: &ast.Number{Value: 2}}}, Body: []ast.Stmt{&ast.Print{}}},
		},
		Else: []ast.Stmt{&ast.Print{}},
	}
	prog := &ast.Program{Statements: []ast.Stmt{sel, &ast.End{}}}
	pc := Build(prog, nil, diag.NewSink())

	info := pc.Main.SelectCaseInfo[pc.Main.EntryBlock]
	require.NotNil(t, info)
	assert.Len(t, info.TestBlocks, 2)
	assert.Len(t, info.BodyBlocks, 2)
	require.NotNil(t, info.ElseBlock)

	lastTest := pc.Main.Block(info.TestBlocks[1])
	assert.Contains(t, lastTest.Succ(), *info.ElseBlock)
}

func TestTryCatchFinallySkeleton(t *testing.T) {
	code := 5
	tc := &ast.TryCatch{
		Try:     []ast.Stmt{&ast.Print{}},
		Catches: []ast.CatchClause{{Code: &code, Body: []ast.Stmt{&ast.Print{}}}},
		Finally: []ast.Stmt{&ast.Print{}},
	}
	prog := &ast.Program{Statements: []ast.Stmt{tc, &ast.End{}}}
	pc := Build(prog, nil, diag.NewSink())

	info := pc.Main.TryCatchStruct[pc.Main.EntryBlock]
	require.NotNil(t, info)
	assert.Len(t, info.CatchBlocks, 1)
	require.NotNil(t, info.FinallyBlock)

	tryBody := pc.Main.Block(info.TryBodyBlock)
	assert.Contains(t, tryBody.Succ(), *info.FinallyBlock)
}

func TestFunctionStatementGetsOwnCFG(t *testing.T) {
	fn := &ast.FunctionStatement{
		Name:   "ADD",
		Params: []ast.Param{{Name: "A"}, {Name: "B"}},
		Body: []ast.Stmt{
			&ast.Return{Value: &ast.Binary{Op: ast.OpAdd, Left: &ast.Variable{Name: "A"}, Right: &ast.Variable{Name: "B"}}},
		},
	}
	prog := &ast.Program{Statements: []ast.Stmt{fn, &ast.End{}}}
	pc := Build(prog, nil, diag.NewSink())

	fnCFG, ok := pc.Functions["ADD"]
	require.True(t, ok)
	assert.True(t, len(fnCFG.Blocks) >= 2)

	// The main CFG's entry block is untouched by the nested FUNCTION body.
	entry := pc.Main.Block(pc.Main.EntryBlock)
	assert.Len(t, entry.Stmts, 1) // just the trailing End
}

func TestDefStatementGetsTrivialCFG(t *testing.T) {
	def := &ast.DefStatement{Name: "FNDOUBLE", Params: []ast.Param{{Name: "X"}}, Body: &ast.Binary{Op: ast.OpMul, Left: &ast.Variable{Name: "X"}, Right: &ast.Number{Value: 2}}}
	prog := &ast.Program{Statements: []ast.Stmt{def}}
	pc := Build(prog, nil, diag.NewSink())

	fnCFG, ok := pc.Functions["FNDOUBLE"]
	require.True(t, ok)
	assert.Equal(t, fnCFG.EntryBlock, fnCFG.ExitBlock)
	assert.NotNil(t, fnCFG.DefStmt)
}

func TestLabelDeclaresInSymtab(t *testing.T) {
	lbl := &ast.Label{Name: "LOOPTOP"}
	lbl.Loc = loc(50)
	gotoStmt := &ast.Goto{Target: ast.Target{Label: "LOOPTOP", IsLabel: true}}
	gotoStmt.Loc = loc(10)
	prog := &ast.Program{Statements: []ast.Stmt{gotoStmt, lbl, &ast.End{}}}
	tbl := symtab.New(false)
	sink := diag.NewSink()
	pc := Build(prog, tbl, sink)
	assert.False(t, sink.Fatal())

	line, ok := tbl.LookupLabel("LOOPTOP")
	require.True(t, ok)
	assert.Equal(t, 50, line)

	entry := pc.Main.Block(pc.Main.EntryBlock)
	labelBlockID := pc.Main.LineNumberToBlock[50]
	assert.Contains(t, entry.Succ(), labelBlockID)
}

func TestCFGBuildIsDeterministic(t *testing.T) {
	build := func() *ProgramCFG {
		gosub1 := &ast.Gosub{Target: ast.Target{Line: 100}}
		gosub1.Loc = loc(10)
		gosub2 := &ast.Gosub{Target: ast.Target{Line: 100}}
		gosub2.Loc = loc(20)
		endStmt := &ast.End{}
		endStmt.Loc = loc(30)
		printSub := &ast.Print{}
		printSub.Loc = loc(100)
		ret := &ast.Return{}
		ret.Loc = loc(110)
		prog := &ast.Program{Statements: []ast.Stmt{gosub1, gosub2, endStmt, printSub, ret}}
		return Build(prog, nil, diag.NewSink())
	}
	a := build()
	b := build()
	require.Equal(t, len(a.Main.Blocks), len(b.Main.Blocks))
	require.Equal(t, len(a.Main.Edges), len(b.Main.Edges))
	for i := range a.Main.Edges {
		assert.Equal(t, a.Main.Edges[i], b.Main.Edges[i])
	}
}
