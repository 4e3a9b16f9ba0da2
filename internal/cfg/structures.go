package cfg

import (
	"github.com/fasterbasic/fbc/internal/ast"
	"github.com/fasterbasic/fbc/internal/types"
)

// ForLoopInfo describes one FOR/FOR-EACH loop's block skeleton, keyed by
// its init block id in CFG.ForLoopStructure (§3.7, §4.3).
type ForLoopInfo struct {
	InitBlock  BlockID
	CheckBlock BlockID
	BodyBlock  BlockID
	ExitBlock  BlockID
	Variable   string

	// IsForEach distinguishes `FOR EACH v IN arr` from a counted FOR;
	// the check block tests idx < size instead of the sign-aware
	// start/end/step condition, and the body loads arr[idx] into the
	// loop variable on entry (§4.4).
	IsForEach bool
	ArrayExpr ast.Expr
}

// DoLoopInfo describes a WHILE/WEND, DO/LOOP, or REPEAT/UNTIL skeleton,
// keyed by its header block id in CFG.DoLoopStructure (§3.7, §4.3).
type DoLoopInfo struct {
	HeaderBlock BlockID
	BodyBlock   BlockID
	ExitBlock   BlockID

	// FooterBlock is set for post-test loops (DO ... LOOP WHILE|UNTIL,
	// REPEAT ... UNTIL), where the condition is evaluated after the body
	// rather than before it.
	FooterBlock BlockID
	HasFooter   bool
}

// SelectCaseInfo describes one SELECT CASE's dispatcher/test/body block
// skeleton, keyed by the dispatcher block id in CFG.SelectCaseInfo
// (§3.7, §4.3).
type SelectCaseInfo struct {
	SelectBlock   BlockID
	TestBlocks    []BlockID
	BodyBlocks    []BlockID
	ElseBlock     *BlockID
	ExitBlock     BlockID
	CaseStatement *ast.SelectCase
}

// TryCatchInfo describes one TRY/CATCH/FINALLY skeleton, keyed by the
// try-entry block id in CFG.TryCatchStruct (§3.7, §4.3).
type TryCatchInfo struct {
	TryBodyBlock  BlockID
	DispatchBlock BlockID
	CatchBlocks   []BlockID
	FinallyBlock  *BlockID
	ExitBlock     BlockID
	TryStatement  *ast.TryCatch
}

// CFG is one routine's control-flow graph (§3.7).
type CFG struct {
	Name       string
	Params     []ast.Param
	ReturnType types.Descriptor
	IsSub      bool
	DefStmt    *ast.DefStatement

	Blocks []*Block
	Edges  []Edge

	EntryBlock BlockID
	ExitBlock  BlockID

	LineNumberToBlock map[int]BlockID

	ForLoopStructure map[BlockID]*ForLoopInfo
	DoLoopStructure  map[BlockID]*DoLoopInfo
	SelectCaseInfo   map[BlockID]*SelectCaseInfo
	TryCatchStruct   map[BlockID]*TryCatchInfo

	GosubReturnBlocks map[BlockID]bool
}

func newCFG(name string) *CFG {
	return &CFG{
		Name:              name,
		LineNumberToBlock: map[int]BlockID{},
		ForLoopStructure:  map[BlockID]*ForLoopInfo{},
		DoLoopStructure:   map[BlockID]*DoLoopInfo{},
		SelectCaseInfo:    map[BlockID]*SelectCaseInfo{},
		TryCatchStruct:    map[BlockID]*TryCatchInfo{},
		GosubReturnBlocks: map[BlockID]bool{},
	}
}

// Block returns the block with the given id, or nil if out of range.
func (c *CFG) Block(id BlockID) *Block {
	if int(id) < 0 || int(id) >= len(c.Blocks) {
		return nil
	}
	return c.Blocks[id]
}

// GetBlockForLineOrNext resolves a GOTO/GOSUB/RESTORE target line to a
// block id, tolerating jumps to a missing line by walking forward to the
// next line that does start a block (§3.7).
func (c *CFG) GetBlockForLineOrNext(line int) (BlockID, bool) {
	if id, ok := c.LineNumberToBlock[line]; ok {
		return id, true
	}
	best := -1
	bestLine := int(^uint(0) >> 1)
	for l, id := range c.LineNumberToBlock {
		if l >= line && l < bestLine {
			bestLine = l
			best = int(id)
		}
	}
	if best < 0 {
		return 0, false
	}
	return BlockID(best), true
}

// addEdge records an edge and updates both endpoints' adjacency lists.
// Duplicate edges between the same (source, target) with the same kind
// are not re-added, so adding an edge that already exists is a no-op.
func (c *CFG) addEdge(from, to BlockID, kind EdgeKind, label string) {
	for _, e := range c.Edges {
		if e.Source == from && e.Target == to && e.Kind == kind {
			return
		}
	}
	c.Edges = append(c.Edges, Edge{Source: from, Target: to, Kind: kind, Label: label})
	src := c.Block(from)
	dst := c.Block(to)
	if src != nil && !containsID(src.succ, to) {
		src.succ = append(src.succ, to)
	}
	if dst != nil && !containsID(dst.pred, from) {
		dst.pred = append(dst.pred, from)
	}
}

// ProgramCFG is the whole-program graph: the main routine plus one CFG
// per FUNCTION/SUB/DEF FN (§3.7).
type ProgramCFG struct {
	Main      *CFG
	Functions map[string]*CFG
}
