package codegen

import (
	"fmt"
	"strings"

	"github.com/fasterbasic/fbc/internal/ast"
	"github.com/fasterbasic/fbc/internal/cfg"
	"github.com/fasterbasic/fbc/internal/diag"
	"github.com/fasterbasic/fbc/internal/symtab"
	"github.com/fasterbasic/fbc/internal/types"
)

// excCodeSlot holds the most recent basic_try_enter() result for the
// routine currently being emitted, read by every CATCH guard it encloses
// (§4.6: one dispatch target per TRY, nesting shares the single slot since
// FasterBASIC TRY blocks don't nest concurrently within one call frame).
const excCodeSlot = "%exc_code"

// caseTestRef identifies which CaseClause a case_test_N_i structural block
// evaluates.
type caseTestRef struct {
	sel     *cfg.SelectCaseInfo
	idx     int
	blockID cfg.BlockID
}

// catchRef identifies which CatchClause a catch block's guard belongs to.
type catchRef struct {
	entryID cfg.BlockID
	idx     int
}

// RoutineEmitter holds the per-routine state built once before a CFG's
// blocks are walked: reverse lookups from the structural maps cfg.Builder
// populates, keyed the way the emitter actually needs to consume them
// (§4.3's skeleton maps are keyed for construction, not lookup during
// emission).
type RoutineEmitter struct {
	C   *Context
	CFG *cfg.CFG

	edgesFrom map[cfg.BlockID][]cfg.Edge

	forByCheck map[cfg.BlockID]*cfg.ForLoopInfo
	forByBody  map[cfg.BlockID]*cfg.ForLoopInfo

	selectTestInfo map[cfg.BlockID]caseTestRef
	selMeta        map[cfg.BlockID]types.Descriptor

	catchBlockInfo map[cfg.BlockID]catchRef
	tryExitBlocks  map[cfg.BlockID]bool

	// localArrays accumulates names DIM'd during this routine's own body
	// walk, freed at its exit block; DIM in the main program persists for
	// the run and is never freed (§4.5).
	localArrays []string

	// gosubDepth is a conservative static count of GOSUB/ON GOSUB call
	// sites pushed without an intervening RETURN encountered so far in
	// this routine's block-order walk (§9's single cursor, not a full
	// call-graph simulation). It catches the straight-line case; a RETURN
	// matched dynamically against a call site from a different branch
	// than the one currently being walked is not accounted for.
	gosubDepth int
}

// maxGosubDepth matches $return_stack's 16-slot capacity (driver.go's
// emitReturnStack). Pushing past it silently overwrites $return_sp and
// whatever data-section global follows $return_stack at runtime.
const maxGosubDepth = 16

func newRoutineEmitter(c *Context, g *cfg.CFG) *RoutineEmitter {
	re := &RoutineEmitter{
		C:              c,
		CFG:            g,
		edgesFrom:      map[cfg.BlockID][]cfg.Edge{},
		forByCheck:     map[cfg.BlockID]*cfg.ForLoopInfo{},
		forByBody:      map[cfg.BlockID]*cfg.ForLoopInfo{},
		selectTestInfo: map[cfg.BlockID]caseTestRef{},
		selMeta:        map[cfg.BlockID]types.Descriptor{},
		catchBlockInfo: map[cfg.BlockID]catchRef{},
		tryExitBlocks:  map[cfg.BlockID]bool{},
	}
	for _, e := range g.Edges {
		re.edgesFrom[e.Source] = append(re.edgesFrom[e.Source], e)
	}
	for _, info := range g.ForLoopStructure {
		re.forByCheck[info.CheckBlock] = info
		re.forByBody[info.BodyBlock] = info
	}
	for _, sel := range g.SelectCaseInfo {
		for i, tb := range sel.TestBlocks {
			re.selectTestInfo[tb] = caseTestRef{sel: sel, idx: i, blockID: tb}
		}
	}
	for entryID, tc := range g.TryCatchStruct {
		for i, cb := range tc.CatchBlocks {
			re.catchBlockInfo[cb] = catchRef{entryID: entryID, idx: i}
		}
		if tc.FinallyBlock != nil {
			re.tryExitBlocks[*tc.FinallyBlock] = true
		} else {
			re.tryExitBlocks[tc.ExitBlock] = true
		}
	}
	return re
}

func (re *RoutineEmitter) blockLabel(id cfg.BlockID) string {
	return fmt.Sprintf("bb%d", id)
}

func isTrueLabel(l string) bool {
	switch l {
	case "then", "body", "match", "back":
		return true
	}
	return false
}

func isFalseLabel(l string) bool {
	switch l {
	case "else", "exit", "miss":
		return true
	}
	return false
}

// emitCondJump dispatches to the (true, false) pair of a two-edge
// condition block, classifying each edge by its builder-assigned label
// rather than by position (§3.7: "then"/"body"/"match"/"back" are the
// continue-looping side; "else"/"exit"/"miss" are the stop side).
func (re *RoutineEmitter) emitCondJump(blockID cfg.BlockID, cond string) {
	var trueTarget, falseTarget cfg.BlockID
	for _, e := range re.edgesFrom[blockID] {
		if isTrueLabel(e.Label) {
			trueTarget = e.Target
		}
		if isFalseLabel(e.Label) {
			falseTarget = e.Target
		}
	}
	re.C.W.Emit("jnz %s, @%s, @%s", cond, re.blockLabel(trueTarget), re.blockLabel(falseTarget))
}

// fallbackEpilogue implements the generic epilogue for a block whose last
// statement did not terminate it: zero real edges falls to the routine's
// exit, one edge jumps there directly. "miss" edges are never the right
// choice here — they're always consumed explicitly by a case-test or
// catch guard before the generic path is reached.
func (re *RoutineEmitter) fallbackEpilogue(id cfg.BlockID) {
	var real []cfg.Edge
	for _, e := range re.edgesFrom[id] {
		if e.Label != "miss" {
			real = append(real, e)
		}
	}
	if len(real) == 0 {
		re.C.W.Emit("jmp @%s", re.blockLabel(re.CFG.ExitBlock))
		return
	}
	re.C.W.Emit("jmp @%s", re.blockLabel(real[0].Target))
}

// evalBoolCond normalizes an arbitrary expression's truthiness to a single
// `w` value (§4.4: every condition the emitter branches on compares
// against zero in the operand's own class first).
func evalBoolCond(c *Context, e ast.Expr) string {
	tmp, class, _ := EmitExpr(c, e)
	zero := "0"
	switch class {
	case types.ClassSingle:
		zero = FormatSingle(0)
	case types.ClassDouble:
		zero = FormatDouble(0)
	}
	t := c.W.NewTemp()
	c.W.Emit("%s =w cne%s %s, %s", t, class, tmp, zero)
	return t
}

func foreachIdxSlot(varName string, legacyDefault bool) string {
	return "%foreach_idx_" + types.Mangle(varName, legacyDefault)
}

func selectSlot(entryID cfg.BlockID) string {
	return fmt.Sprintf("%%select_val_%d", entryID)
}

func arrayNameOf(e ast.Expr) string {
	if v, ok := e.(*ast.Variable); ok {
		return v.Name
	}
	return ""
}

// variableType resolves a variable's declared type for dispatch decisions
// (loop-step arithmetic class, INPUT/READ's runtime entry point) without
// emitting any code. Lookup failure is swallowed here — the statement that
// actually touches the variable will report the real diagnostic.
func variableType(c *Context, name string) types.Descriptor {
	if desc, ok := c.Params[name]; ok {
		return desc
	}
	info, err := c.Tbl.LookupVariable(name, c.Loc)
	if err != nil {
		return types.IntegerDesc
	}
	return info.Type
}

// lvalueDeclaredType mirrors variableType for a general assignment target,
// used by INPUT/READ to pick the typed runtime entry point before the
// value is known.
func lvalueDeclaredType(c *Context, lv ast.LValue) types.Descriptor {
	if len(lv.Members) > 0 {
		typeName, err := c.Tbl.UserDefinedTypeOf(lv.Name, c.Loc)
		if err != nil {
			return types.IntegerDesc
		}
		var field symtab.Field
		for i, m := range lv.Members {
			field, err = c.Tbl.FieldType(typeName, m, c.Loc)
			if err != nil {
				return types.IntegerDesc
			}
			if i < len(lv.Members)-1 {
				typeName = field.NestedType
			}
		}
		return field.Type
	}
	if len(lv.Indices) > 0 {
		info, err := c.Tbl.LookupArray(lv.Name, c.Loc)
		if err != nil {
			return types.IntegerDesc
		}
		return info.ElemType
	}
	return variableType(c, lv.Name)
}

// === GOSUB/RETURN return-address stack (§4.6) ===

func pushReturnAddress(c *Context, target cfg.BlockID) {
	sp := c.W.NewTemp()
	c.W.Emit("%s =l loadl $return_sp", sp)
	addr := c.W.NewTemp()
	c.W.Emit("%s =l add $return_stack, %s", addr, sp)
	c.W.Emit("storel %d, %s", target, addr)
	next := c.W.NewTemp()
	c.W.Emit("%s =l add %s, 8", next, sp)
	c.W.Emit("storel %s, $return_sp", next)
}

// pushGosub wraps pushReturnAddress with the static depth guard §12.2
// decides on: more than maxGosubDepth live pushes is a codegen-internal
// error (an `# ERROR:` IL comment plus a Sink diagnostic) rather than a
// silently corrupted return stack at runtime.
func (re *RoutineEmitter) pushGosub(target cfg.BlockID) {
	re.gosubDepth++
	if re.gosubDepth > maxGosubDepth {
		re.C.errorf("GOSUB nesting exceeds the %d-slot return-stack capacity", maxGosubDepth)
		return
	}
	pushReturnAddress(re.C, target)
}

func popReturnAddress(c *Context) string {
	sp := c.W.NewTemp()
	c.W.Emit("%s =l loadl $return_sp", sp)
	prev := c.W.NewTemp()
	c.W.Emit("%s =l sub %s, 8", prev, sp)
	c.W.Emit("storel %s, $return_sp", prev)
	addr := c.W.NewTemp()
	c.W.Emit("%s =l add $return_stack, %s", addr, prev)
	val := c.W.NewTemp()
	c.W.Emit("%s =l loadl %s", val, addr)
	return val
}

func (re *RoutineEmitter) storeExcCode(tmp string) {
	re.C.W.Emit("storew %s, %s", tmp, excCodeSlot)
}

func (re *RoutineEmitter) loadExcCode() string {
	t := re.C.W.NewTemp()
	re.C.W.Emit("%s =w loadw %s", t, excCodeSlot)
	return t
}

// === prologue / exit ===

// emitPrologue allocates one stack slot per local scalar (§9: every
// mutable local is addressable, not a raw SSA value), plus the synthetic
// slots FOR EACH, SELECT CASE, and TRY/CATCH need to carry a value across
// more than one block.
func (re *RoutineEmitter) emitPrologue() {
	c := re.C
	for _, v := range c.Tbl.LocalScalars() {
		align := types.NaturalAlignment(v.Type, 0)
		c.W.Emit("%s =l alloc%d %d", localSlot(v.Name, c.LegacyDefault), align, align)
	}
	for _, info := range re.CFG.ForLoopStructure {
		if info.IsForEach {
			c.W.Emit("%s =l alloc8 8", foreachIdxSlot(info.Variable, c.LegacyDefault))
		}
	}
	for entryID := range re.CFG.SelectCaseInfo {
		c.W.Emit("%s =l alloc8 8", selectSlot(entryID))
	}
	if len(re.CFG.TryCatchStruct) > 0 {
		c.W.Emit("%s =l alloc4 4", excCodeSlot)
	}
	if c.CurrentFunc != "" && !c.IsSub {
		align := types.NaturalAlignment(re.CFG.ReturnType, 0)
		c.W.Emit("%s =l alloc%d %d", localSlot(c.CurrentFunc, c.LegacyDefault), align, align)
	}
}

func (re *RoutineEmitter) emitExit() {
	c := re.C
	for _, name := range re.localArrays {
		freeLocalArray(c, name)
	}
	if c.CurrentFunc == "" {
		c.W.Emit("call $basic_runtime_cleanup()")
		c.W.Emit("ret 0")
		return
	}
	if c.IsSub {
		c.W.Emit("ret")
		return
	}
	slot := localSlot(c.CurrentFunc, c.LegacyDefault)
	class := types.QBEType(re.CFG.ReturnType)
	t := c.W.NewTemp()
	c.W.Emit("%s =%s %s %s", t, class, types.QBELoadOp(re.CFG.ReturnType), slot)
	c.W.Emit("ret %s", t)
}

// === block walking ===

// EmitRoutine lowers one CFG to a complete QBE function body, writing
// labeled blocks to c.W in the CFG's own block-id order (§4.3: block ids
// are allocated in construction order and never reused, so iterating them
// in order reproduces the program's natural top-to-bottom control flow for
// anything that isn't an explicit jump).
func EmitRoutine(c *Context, g *cfg.CFG) {
	if g.DefStmt != nil {
		emitDefFunction(c, g)
		return
	}
	re := newRoutineEmitter(c, g)
	re.emitPrologue()
	c.W.Emit("jmp @%s", re.blockLabel(g.EntryBlock))
	for _, blk := range g.Blocks {
		re.emitBlock(blk.ID)
	}
}

// emitDefFunction lowers a single-line DEF FNname(params) = expr routine,
// which the CFG builder represents as a degenerate one-block graph with no
// control flow of its own (§4.3).
func emitDefFunction(c *Context, g *cfg.CFG) {
	val, _, desc := EmitExpr(c, g.DefStmt.Body)
	coerced, _ := promoteTo(c, val, desc, g.ReturnType)
	c.W.Emit("ret %s", coerced)
}

func (re *RoutineEmitter) emitBlock(id cfg.BlockID) {
	c := re.C
	blk := re.CFG.Block(id)
	c.W.Label(re.blockLabel(id))

	if id == re.CFG.ExitBlock {
		re.emitExit()
		return
	}
	if info, ok := re.forByCheck[id]; ok {
		re.emitForCheck(id, info)
		return
	}
	if ti, ok := re.selectTestInfo[id]; ok {
		re.emitCaseTest(ti)
		return
	}

	if info, ok := re.forByBody[id]; ok && info.IsForEach {
		re.emitForEachBodyPrologue(info)
	}
	if cbi, ok := re.catchBlockInfo[id]; ok {
		re.emitCatchGuard(id, cbi)
	}
	if re.tryExitBlocks[id] {
		c.W.Emit("call $basic_try_exit()")
	}

	terminated := false
	for _, s := range blk.Stmts {
		c.Loc = s.Pos()
		terminated = re.emitStmt(id, s)
	}
	if terminated {
		return
	}
	re.fallbackEpilogue(id)
}

// emitStmt lowers one statement and reports whether it already emitted its
// own block-ending jump(s). Only the last statement of a block can ever be
// self-terminating (the CFG builder enforces at most one terminator per
// block), so overwriting this flag on every iteration is safe.
func (re *RoutineEmitter) emitStmt(blockID cfg.BlockID, s ast.Stmt) bool {
	c := re.C
	switch n := s.(type) {
	case *ast.For:
		return re.emitForInit(blockID, s)
	case *ast.ForIn:
		return re.emitForInit(blockID, s)
	case *ast.TryCatch:
		return re.emitTryEntry(blockID, n)
	case *ast.Goto:
		edges := re.edgesFrom[blockID]
		c.W.Emit("jmp @%s", re.blockLabel(edges[0].Target))
		return true
	case *ast.Gosub:
		edges := re.edgesFrom[blockID]
		re.pushGosub(blockID + 1)
		c.W.Emit("jmp @%s", re.blockLabel(edges[0].Target))
		return true
	case *ast.OnGoto:
		re.emitOnGoto(blockID, n)
		return true
	case *ast.OnGosub:
		re.emitOnGosub(blockID, n)
		return true
	case *ast.Return:
		return re.emitReturn(blockID, n)
	case *ast.End:
		c.W.Emit("jmp @%s", re.blockLabel(re.CFG.ExitBlock))
		return true
	case *ast.Exit:
		edges := re.edgesFrom[blockID]
		c.W.Emit("jmp @%s", re.blockLabel(edges[0].Target))
		return true
	case *ast.Next:
		return re.emitNext(blockID, n)
	case *ast.Wend:
		edges := re.edgesFrom[blockID]
		c.W.Emit("jmp @%s", re.blockLabel(edges[0].Target))
		return true
	case *ast.Loop:
		if n.Condition == nil {
			edges := re.edgesFrom[blockID]
			c.W.Emit("jmp @%s", re.blockLabel(edges[0].Target))
			return true
		}
		return re.emitCondBranch(blockID, n.Condition, n.ConditionType)
	case *ast.Until:
		return re.emitCondBranch(blockID, n.Condition, ast.CondUntil)
	case *ast.While:
		return re.emitCondBranch(blockID, n.Cond, ast.CondWhile)
	case *ast.Do:
		if n.Condition == nil {
			edges := re.edgesFrom[blockID]
			c.W.Emit("jmp @%s", re.blockLabel(edges[0].Target))
			return true
		}
		return re.emitCondBranch(blockID, n.Condition, n.ConditionType)
	case *ast.If:
		re.emitInlineIf(n)
		return false
	case *ast.SelectCase:
		selVal, _, selDesc := EmitExpr(c, n.Selector)
		c.W.Emit("%s %s, %s", types.QBEStoreOp(selDesc), selVal, selectSlot(blockID))
		re.selMeta[blockID] = selDesc
		return false
	case *ast.Print:
		emitPrint(c, n)
		return false
	case *ast.Input:
		emitInput(c, n)
		return false
	case *ast.Let:
		emitLet(c, n)
		return false
	case *ast.MidAssign:
		emitMidAssign(c, n)
		return false
	case *ast.SliceAssign:
		emitSliceAssign(c, n)
		return false
	case *ast.Dim:
		emitDim(c, n, re)
		return false
	case *ast.Redim:
		emitRedim(c, n)
		return false
	case *ast.Erase:
		emitErase(c, n)
		return false
	case *ast.Data:
		return false
	case *ast.Read:
		emitRead(c, n)
		return false
	case *ast.Restore:
		emitRestore(c, n)
		return false
	case *ast.Call:
		emitCallStmt(c, n)
		return false
	case *ast.SimpleStatement:
		emitSimpleStatement(c, n)
		return false
	case *ast.Throw:
		emitThrow(c, n)
		return false
	case *ast.Local, *ast.Shared, *ast.Global, *ast.Constant, *ast.TypeDecl, *ast.Rem, *ast.Label:
		return false
	default:
		c.errorf("unsupported statement %T", s)
		return false
	}
}

// === FOR / FOR EACH / NEXT ===

func (re *RoutineEmitter) forStmtOf(info *cfg.ForLoopInfo) (*ast.For, *ast.ForIn) {
	blk := re.CFG.Block(info.InitBlock)
	if len(blk.Stmts) == 0 {
		return nil, nil
	}
	last := blk.Stmts[len(blk.Stmts)-1]
	switch n := last.(type) {
	case *ast.For:
		return n, nil
	case *ast.ForIn:
		return nil, n
	}
	return nil, nil
}

func (re *RoutineEmitter) emitForInit(blockID cfg.BlockID, s ast.Stmt) bool {
	c := re.C
	info := re.CFG.ForLoopStructure[blockID]
	switch n := s.(type) {
	case *ast.For:
		startT, _, startD := EmitExpr(c, n.Start)
		varDesc := variableType(c, n.Var)
		coerced, _ := promoteTo(c, startT, startD, varDesc)
		StoreVariable(c, n.Var, coerced, varDesc)
	case *ast.ForIn:
		arrName := arrayNameOf(n.Array)
		descSym := ArrayDescSymbol(arrName, c.LegacyDefault)
		lo := c.W.NewTemp()
		c.W.Emit("%s =l loadl %s", lo, symOffset(c, descSym, 8))
		c.W.Emit("storel %s, %s", lo, foreachIdxSlot(n.Var, c.LegacyDefault))
	}
	c.W.Emit("jmp @%s", re.blockLabel(info.CheckBlock))
	return true
}

func (re *RoutineEmitter) emitForCheck(checkID cfg.BlockID, info *cfg.ForLoopInfo) {
	if info.IsForEach {
		re.emitForEachCheck(checkID, info)
		return
	}
	c := re.C
	forStmt, _ := re.forStmtOf(info)
	if forStmt == nil {
		re.fallbackEpilogue(checkID)
		return
	}
	varDesc := variableType(c, info.Variable)
	cur, _, _ := EmitExpr(c, &ast.Variable{Name: info.Variable})
	curLong, _ := promoteTo(c, cur, varDesc, types.LongDesc)
	endT, _, endD := EmitExpr(c, forStmt.End)
	endLong, _ := promoteTo(c, endT, endD, types.LongDesc)
	stepLong := "1"
	if forStmt.Step != nil {
		st, _, sd := EmitExpr(c, forStmt.Step)
		stepLong, _ = promoteTo(c, st, sd, types.LongDesc)
	}

	negStep := c.W.NewTemp()
	c.W.Emit("%s =w cslel %s, 0", negStep, stepLong)
	notNeg := c.W.NewTemp()
	c.W.Emit("%s =w xor %s, 1", notNeg, negStep)
	ascCond := c.W.NewTemp()
	c.W.Emit("%s =w cslel %s, %s", ascCond, curLong, endLong)
	descCond := c.W.NewTemp()
	c.W.Emit("%s =w csgel %s, %s", descCond, curLong, endLong)
	a := c.W.NewTemp()
	c.W.Emit("%s =w and %s, %s", a, negStep, descCond)
	b := c.W.NewTemp()
	c.W.Emit("%s =w and %s, %s", b, notNeg, ascCond)
	cond := c.W.NewTemp()
	c.W.Emit("%s =w or %s, %s", cond, a, b)

	re.emitCondJump(checkID, cond)
}

func (re *RoutineEmitter) emitForEachCheck(checkID cfg.BlockID, info *cfg.ForLoopInfo) {
	c := re.C
	idxSlot := foreachIdxSlot(info.Variable, c.LegacyDefault)
	idx := c.W.NewTemp()
	c.W.Emit("%s =l loadl %s", idx, idxSlot)
	descSym := ArrayDescSymbol(arrayNameOf(info.ArrayExpr), c.LegacyDefault)
	hi := c.W.NewTemp()
	c.W.Emit("%s =l loadl %s", hi, symOffset(c, descSym, 16))
	cond := c.W.NewTemp()
	c.W.Emit("%s =w cslel %s, %s", cond, idx, hi)
	re.emitCondJump(checkID, cond)
}

func (re *RoutineEmitter) emitForEachBodyPrologue(info *cfg.ForLoopInfo) {
	c := re.C
	arrName := arrayNameOf(info.ArrayExpr)
	arrInfo, err := c.Tbl.LookupArray(arrName, c.Loc)
	if err != nil {
		c.Sink.Report(err.(*diag.Diagnostic))
		return
	}
	descSym := ArrayDescSymbol(arrName, c.LegacyDefault)
	idx := c.W.NewTemp()
	c.W.Emit("%s =l loadl %s", idx, foreachIdxSlot(info.Variable, c.LegacyDefault))
	lo := c.W.NewTemp()
	c.W.Emit("%s =l loadl %s", lo, symOffset(c, descSym, 8))
	dataPtr := c.W.NewTemp()
	c.W.Emit("%s =l loadl %s", dataPtr, descSym)
	elemSize := elementSize(c, arrInfo.ElemType, arrInfo.UserType)
	off := c.W.NewTemp()
	c.W.Emit("%s =l sub %s, %s", off, idx, lo)
	byteOff := c.W.NewTemp()
	c.W.Emit("%s =l mul %s, %d", byteOff, off, elemSize)
	addr := c.W.NewTemp()
	c.W.Emit("%s =l add %s, %s", addr, dataPtr, byteOff)
	val := c.W.NewTemp()
	c.W.Emit("%s =%s %s %s", val, types.QBEType(arrInfo.ElemType), types.QBELoadOp(arrInfo.ElemType), addr)
	StoreVariable(c, info.Variable, val, arrInfo.ElemType)
}

func (re *RoutineEmitter) emitNext(blockID cfg.BlockID, n *ast.Next) bool {
	c := re.C
	edges := re.edgesFrom[blockID]
	if len(edges) == 0 {
		c.W.Emit("jmp @%s", re.blockLabel(re.CFG.ExitBlock))
		return true
	}
	target := edges[0].Target
	info, ok := re.forByCheck[target]
	if !ok {
		c.W.Emit("jmp @%s", re.blockLabel(target))
		return true
	}
	if info.IsForEach {
		idxSlot := foreachIdxSlot(info.Variable, c.LegacyDefault)
		idx := c.W.NewTemp()
		c.W.Emit("%s =l loadl %s", idx, idxSlot)
		next := c.W.NewTemp()
		c.W.Emit("%s =l add %s, 1", next, idx)
		c.W.Emit("storel %s, %s", next, idxSlot)
	} else {
		forStmt, _ := re.forStmtOf(info)
		stepLong := "1"
		if forStmt != nil && forStmt.Step != nil {
			st, _, sd := EmitExpr(c, forStmt.Step)
			stepLong, _ = promoteTo(c, st, sd, types.LongDesc)
		}
		varDesc := variableType(c, info.Variable)
		cur, _, _ := EmitExpr(c, &ast.Variable{Name: info.Variable})
		curLong, _ := promoteTo(c, cur, varDesc, types.LongDesc)
		next := c.W.NewTemp()
		c.W.Emit("%s =l add %s, %s", next, curLong, stepLong)
		nextCoerced, _ := promoteTo(c, next, types.LongDesc, varDesc)
		StoreVariable(c, info.Variable, nextCoerced, varDesc)
	}
	c.W.Emit("jmp @%s", re.blockLabel(target))
	return true
}

// === WHILE/WEND, DO/LOOP, REPEAT/UNTIL ===

func (re *RoutineEmitter) emitCondBranch(blockID cfg.BlockID, condExpr ast.Expr, condType ast.DoCondKind) bool {
	c := re.C
	cond := evalBoolCond(c, condExpr)
	if condType == ast.CondUntil {
		neg := c.W.NewTemp()
		c.W.Emit("%s =w ceqw %s, 0", neg, cond)
		cond = neg
	}
	re.emitCondJump(blockID, cond)
	return true
}

// === GOTO/GOSUB/RETURN/ON...GOTO/GOSUB ===

func (re *RoutineEmitter) emitOnGoto(blockID cfg.BlockID, n *ast.OnGoto) {
	c := re.C
	selT, _, selD := EmitExpr(c, n.Selector)
	selLong, _ := promoteTo(c, selT, selD, types.LongDesc)
	var fallback cfg.BlockID
	idx := 0
	for _, e := range re.edgesFrom[blockID] {
		if e.Label == "out-of-range" {
			fallback = e.Target
			continue
		}
		idx++
		match := c.W.NewTemp()
		c.W.Emit("%s =w ceql %s, %d", match, selLong, idx)
		cont := c.W.NewLabel("on_goto_miss")
		c.W.Emit("jnz %s, @%s, @%s", match, re.blockLabel(e.Target), cont)
		c.W.Label(cont)
	}
	c.W.Emit("jmp @%s", re.blockLabel(fallback))
}

func (re *RoutineEmitter) emitOnGosub(blockID cfg.BlockID, n *ast.OnGosub) {
	c := re.C
	selT, _, selD := EmitExpr(c, n.Selector)
	selLong, _ := promoteTo(c, selT, selD, types.LongDesc)
	retID := blockID + 1
	var fallback cfg.BlockID
	idx := 0
	for _, e := range re.edgesFrom[blockID] {
		if e.Label == "out-of-range" {
			fallback = e.Target
			continue
		}
		idx++
		match := c.W.NewTemp()
		c.W.Emit("%s =w ceql %s, %d", match, selLong, idx)
		doCall := c.W.NewLabel("on_gosub_hit")
		cont := c.W.NewLabel("on_gosub_miss")
		c.W.Emit("jnz %s, @%s, @%s", match, doCall, cont)
		c.W.Label(doCall)
		re.pushGosub(retID)
		c.W.Emit("jmp @%s", re.blockLabel(e.Target))
		c.W.Label(cont)
	}
	c.W.Emit("jmp @%s", re.blockLabel(fallback))
}

func (re *RoutineEmitter) emitReturn(blockID cfg.BlockID, n *ast.Return) bool {
	c := re.C
	if c.CurrentFunc == "" {
		return re.emitTopReturn(blockID)
	}
	if n.Value != nil {
		tmp, _, desc := EmitExpr(c, n.Value)
		coerced, _ := promoteTo(c, tmp, desc, re.CFG.ReturnType)
		c.W.Emit("%s %s, %s", types.QBEStoreOp(re.CFG.ReturnType), coerced, localSlot(c.CurrentFunc, c.LegacyDefault))
	}
	c.W.Emit("jmp @%s", re.blockLabel(re.CFG.ExitBlock))
	return true
}

// emitTopReturn implements GOSUB's RETURN (§4.6): pop the pushed return
// address and chain-compare it against every live GOSUB call site,
// falling to the underflow edge (a bare RETURN with nothing pushed) when
// none match.
func (re *RoutineEmitter) emitTopReturn(blockID cfg.BlockID) bool {
	c := re.C
	if re.gosubDepth > 0 {
		re.gosubDepth--
	}
	addrVal := popReturnAddress(c)
	var underflow cfg.BlockID
	haveUnderflow := false
	for _, e := range re.edgesFrom[blockID] {
		if e.Label == "underflow" {
			underflow = e.Target
			haveUnderflow = true
			continue
		}
		match := c.W.NewTemp()
		c.W.Emit("%s =w ceql %s, %d", match, addrVal, e.Target)
		cont := c.W.NewLabel("gosub_ret_miss")
		c.W.Emit("jnz %s, @%s, @%s", match, re.blockLabel(e.Target), cont)
		c.W.Label(cont)
	}
	if haveUnderflow {
		c.W.Emit("jmp @%s", re.blockLabel(underflow))
	} else {
		c.W.Emit("jmp @%s", re.blockLabel(re.CFG.ExitBlock))
	}
	return true
}

// === SELECT CASE ===

func (re *RoutineEmitter) emitCaseTest(ti caseTestRef) {
	c := re.C
	clause := ti.sel.CaseStatement.Cases[ti.idx]
	slot := selectSlot(ti.sel.SelectBlock)
	selDesc := re.selMeta[ti.sel.SelectBlock]
	selClass := types.QBEType(selDesc)
	selVal := c.W.NewTemp()
	c.W.Emit("%s =%s %s %s", selVal, selClass, types.QBELoadOp(selDesc), slot)

	cond := ""
	for _, m := range clause.Matches {
		mc := re.emitCaseMatch(selVal, selClass, selDesc, m)
		if cond == "" {
			cond = mc
			continue
		}
		next := c.W.NewTemp()
		c.W.Emit("%s =w or %s, %s", next, cond, mc)
		cond = next
	}
	if cond == "" {
		cond = "0"
	}
	re.emitCondJump(ti.blockID, cond)
}

func (re *RoutineEmitter) emitCaseMatch(selVal string, selClass types.QBEClass, selDesc types.Descriptor, m ast.CaseMatch) string {
	switch m.Kind {
	case ast.CaseRange:
		lo := re.compareSelTo(selVal, selClass, selDesc, ast.OpGeq, m.A)
		hi := re.compareSelTo(selVal, selClass, selDesc, ast.OpLeq, m.B)
		r := re.C.W.NewTemp()
		re.C.W.Emit("%s =w and %s, %s", r, lo, hi)
		return r
	case ast.CaseIs:
		return re.compareSelTo(selVal, selClass, selDesc, m.Op, m.A)
	default: // CaseValue
		return re.compareSelTo(selVal, selClass, selDesc, ast.OpEq, m.A)
	}
}

func (re *RoutineEmitter) compareSelTo(selVal string, selClass types.QBEClass, selDesc types.Descriptor, op ast.BinOp, e ast.Expr) string {
	rhsT, rhsC, rhsD := EmitExpr(re.C, e)
	tmp, _, _ := emitComparison(re.C, op, selVal, selClass, selDesc, rhsT, rhsC, rhsD)
	return tmp
}

// === TRY/CATCH/FINALLY ===

func (re *RoutineEmitter) emitTryEntry(blockID cfg.BlockID, n *ast.TryCatch) bool {
	c := re.C
	info := re.CFG.TryCatchStruct[blockID]
	code := c.W.NewTemp()
	c.W.Emit("%s =w call $basic_try_enter()", code)
	re.storeExcCode(code)
	resumed := c.W.NewTemp()
	c.W.Emit("%s =w cnew %s, 0", resumed, code)

	tryTarget := info.TryBodyBlock
	for _, e := range re.edgesFrom[blockID] {
		if e.Label == "try" {
			tryTarget = e.Target
		}
	}
	c.W.Emit("jnz %s, @%s, @%s", resumed, re.blockLabel(info.DispatchBlock), re.blockLabel(tryTarget))
	return true
}

func (re *RoutineEmitter) emitCatchGuard(blockID cfg.BlockID, cbi catchRef) {
	c := re.C
	info := re.CFG.TryCatchStruct[cbi.entryID]
	clause := info.TryStatement.Catches[cbi.idx]
	if clause.Code == nil {
		return
	}
	var missTarget cfg.BlockID
	for _, e := range re.edgesFrom[blockID] {
		if e.Label == "miss" {
			missTarget = e.Target
		}
	}
	codeVal := re.loadExcCode()
	cmp := c.W.NewTemp()
	c.W.Emit("%s =w ceqw %s, %d", cmp, codeVal, *clause.Code)
	matched := c.W.NewLabel("catch_matched")
	c.W.Emit("jnz %s, @%s, @%s", cmp, matched, re.blockLabel(missTarget))
	c.W.Label(matched)
}

// === single-line IF ===

// emitInlineIf lowers `IF cond THEN stmts [ELSE stmts]` entirely within
// the current block with synthesized local labels: the CFG builder never
// recurses into a single-line IF's bodies (§3.7), so any self-terminating
// statement nested inside one is out of reach of the edge-based machinery
// every other construct uses and is rejected with a diagnostic instead of
// silently mis-compiled.
func (re *RoutineEmitter) emitInlineIf(n *ast.If) {
	c := re.C
	endLabel := c.W.NewLabel("sl_if_end")

	emitBranch := func(cond ast.Expr, body []ast.Stmt, nextLabel string) {
		c.Loc = n.Pos()
		condTmp := evalBoolCond(c, cond)
		thenLabel := c.W.NewLabel("sl_if_then")
		c.W.Emit("jnz %s, @%s, @%s", condTmp, thenLabel, nextLabel)
		c.W.Label(thenLabel)
		re.emitInlineStmts(body)
		c.W.Emit("jmp @%s", endLabel)
	}

	// chain labels: Cond -> branch1 -> ElseIf[0] -> branch2 -> ... -> Else
	labels := make([]string, len(n.ElseIfs))
	for i := range labels {
		labels[i] = c.W.NewLabel("sl_elseif")
	}
	finalLabel := endLabel
	if len(n.Else) > 0 {
		finalLabel = c.W.NewLabel("sl_if_else")
	}

	next := finalLabel
	if len(labels) > 0 {
		next = labels[0]
	}
	emitBranch(n.Cond, n.Then, next)

	for i, ei := range n.ElseIfs {
		c.W.Label(labels[i])
		next := finalLabel
		if i+1 < len(labels) {
			next = labels[i+1]
		}
		emitBranch(ei.Cond, ei.Body, next)
	}

	if len(n.Else) > 0 {
		c.W.Label(finalLabel)
		re.emitInlineStmts(n.Else)
		c.W.Emit("jmp @%s", endLabel)
	}

	c.W.Label(endLabel)
}

func (re *RoutineEmitter) emitInlineStmts(stmts []ast.Stmt) {
	c := re.C
	for _, s := range stmts {
		switch s.(type) {
		case *ast.Goto, *ast.Gosub, *ast.Return, *ast.OnGoto, *ast.OnGosub,
			*ast.For, *ast.ForIn, *ast.TryCatch, *ast.Exit:
			c.errorf("unsupported control statement %T nested in a single-line IF", s)
			continue
		}
		c.Loc = s.Pos()
		re.emitStmt(-1, s)
	}
}

// === plain statements ===

func emitPrint(c *Context, n *ast.Print) {
	if n.UsingFmt != nil {
		emitPrintUsing(c, n)
		return
	}
	for _, item := range n.Items {
		tmp, _, desc := EmitExpr(c, item.Value)
		printer := PrinterFor(desc)
		c.W.Emit("call $%s(%s %s)", printer, classOf(desc), tmp)
		if item.Sep == ast.SepComma {
			c.W.Emit("call $basic_print_tab()")
		}
	}
	suppress := len(n.Items) > 0 && n.Items[len(n.Items)-1].Sep != ast.SepNone
	if !suppress {
		c.W.Emit("call $basic_print_newline()")
	}
}

func emitPrintUsing(c *Context, n *ast.Print) {
	fmtTmp, _, _ := EmitExpr(c, n.UsingFmt)
	count := len(n.UsingArgs)
	buf := c.W.NewTemp()
	c.W.Emit("%s =l call $malloc(l %d)", buf, count*8)
	for i, a := range n.UsingArgs {
		tmp, _, desc := EmitExpr(c, a)
		strTmp, _ := promoteTo(c, tmp, desc, types.StringDesc)
		c.W.Emit("storel %s, %s", strTmp, symOffset(c, buf, i*8))
	}
	c.W.Emit("call $basic_print_using(l %s, l %s, l %d)", fmtTmp, buf, count)
	c.W.Emit("call $free(l %s)", buf)
}

func emitInput(c *Context, n *ast.Input) {
	if n.Prompt != nil {
		sym := c.Pool.Intern(*n.Prompt)
		strTmp := c.W.NewTemp()
		c.W.Emit("%s =l call $string_new_utf8(l %s)", strTmp, sym)
		c.W.Emit("call $basic_print_string_desc(l %s)", strTmp)
	}
	for _, target := range n.Targets {
		desc := lvalueDeclaredType(c, target)
		var tmp string
		switch {
		case desc.IsFloat():
			tmp = c.W.NewTemp()
			c.W.Emit("%s =d call $basic_input_double()", tmp)
			StoreLValue(c, target, tmp, types.DoubleDesc)
		case desc.IsStringLike():
			tmp = c.W.NewTemp()
			c.W.Emit("%s =l call $basic_input_line()", tmp)
			StoreLValue(c, target, tmp, types.StringDesc)
		default:
			tmp = c.W.NewTemp()
			c.W.Emit("%s =w call $basic_input_int()", tmp)
			StoreLValue(c, target, tmp, types.IntegerDesc)
		}
	}
}

func emitLet(c *Context, n *ast.Let) {
	tmp, _, desc := EmitExpr(c, n.Value)
	StoreLValue(c, n.Target, tmp, desc)
}

func emitMidAssign(c *Context, n *ast.MidAssign) {
	base, _, _ := EmitExpr(c, &ast.Variable{Name: n.Target})
	posT, _, posD := EmitExpr(c, n.Pos)
	posLong, _ := promoteTo(c, posT, posD, types.LongDesc)
	lenLong := "-1"
	if n.Len != nil {
		lt, _, ld := EmitExpr(c, n.Len)
		lenLong, _ = promoteTo(c, lt, ld, types.LongDesc)
	}
	valT, _, valD := EmitExpr(c, n.Value)
	valStr, _ := promoteTo(c, valT, valD, types.StringDesc)
	result := c.W.NewTemp()
	c.W.Emit("%s =l call $string_mid_assign(l %s, l %s, l %s, l %s)", result, base, posLong, lenLong, valStr)
	StoreVariable(c, n.Target, result, types.StringDesc)
}

func emitSliceAssign(c *Context, n *ast.SliceAssign) {
	base, _, _ := EmitExpr(c, &ast.Variable{Name: n.Target})
	startT, _, startD := EmitExpr(c, n.Start)
	startLong, _ := promoteTo(c, startT, startD, types.LongDesc)
	endT, _, endD := EmitExpr(c, n.End)
	endLong, _ := promoteTo(c, endT, endD, types.LongDesc)
	valT, _, valD := EmitExpr(c, n.Value)
	valStr, _ := promoteTo(c, valT, valD, types.StringDesc)
	result := c.W.NewTemp()
	c.W.Emit("%s =l call $string_slice_assign(l %s, l %s, l %s, l %s)", result, base, startLong, endLong, valStr)
	StoreVariable(c, n.Target, result, types.StringDesc)
}

func emitRead(c *Context, n *ast.Read) {
	for _, target := range n.Targets {
		desc := lvalueDeclaredType(c, target)
		reader := ReaderFor(desc)
		entry, _ := Lookup(reader)
		t := c.W.NewTemp()
		c.W.Emit("%s =%s call $%s()", t, entry.Ret, reader)
		StoreLValue(c, target, t, descForClass(entry.Ret))
	}
}

// emitRestore resolves a RESTORE argument to an index into the DATA
// values vector, not the raw source line it was written against (§3.8,
// §4.5): a line's restore point is recorded wherever its DATA items
// start in the flattened Values slice, which only equals the source
// line number when every preceding line contributed exactly one value.
func emitRestore(c *Context, n *ast.Restore) {
	var label string
	var line int
	var hasLabel, hasLine bool
	if n.Target != nil {
		if n.Target.IsLabel {
			label, hasLabel = n.Target.Label, true
		} else {
			line, hasLine = n.Target.Line, true
		}
	}
	index, ok := c.Values.RestoreIndex(label, line, hasLabel, hasLine)
	if !ok {
		c.errorf("RESTORE target has no recorded DATA restore point")
	}
	c.W.Emit("call $basic_restore(l %d)", index)
}

func emitCallStmt(c *Context, n *ast.Call) {
	key := strings.ToUpper(n.Name)
	callee, ok := c.Prog.Functions[key]
	if !ok {
		c.errorf("call to undefined sub %q", n.Name)
		return
	}
	var argStrs []string
	for i, a := range n.Args {
		tmp, _, desc := EmitExpr(c, a)
		want := desc
		if i < len(callee.Params) {
			want = callee.Params[i].Type
		}
		coerced, class := promoteTo(c, tmp, desc, want)
		argStrs = append(argStrs, fmt.Sprintf("%s %s", class, coerced))
	}
	c.W.Emit("call $%s(%s)", types.Sanitize(n.Name), joinArgs(argStrs))
}

func joinArgs(args []string) string {
	out := ""
	for i, a := range args {
		if i > 0 {
			out += ", "
		}
		out += a
	}
	return out
}

func emitSimpleStatement(c *Context, n *ast.SimpleStatement) {
	var args []string
	for _, a := range n.Args {
		tmp, _, desc := EmitExpr(c, a)
		coerced, _ := promoteTo(c, tmp, desc, types.IntegerDesc)
		args = append(args, fmt.Sprintf("w %s", coerced))
	}
	switch n.Kind {
	case ast.SimpleCls:
		c.W.Emit("call $basic_cls()")
	case ast.SimpleColor:
		c.W.Emit("call $basic_color(%s)", joinArgs(args))
	case ast.SimpleLocate, ast.SimpleAt:
		c.W.Emit("call $basic_locate(%s)", joinArgs(args))
	case ast.SimpleWidth:
		c.W.Emit("call $basic_width(%s)", joinArgs(args))
	}
}

func emitThrow(c *Context, n *ast.Throw) {
	tmp, _, desc := EmitExpr(c, n.Code)
	coerced, _ := promoteTo(c, tmp, desc, types.IntegerDesc)
	c.W.Emit("call $basic_throw(w %s)", coerced)
}
