package cfg

import "github.com/fasterbasic/fbc/internal/ast"

// jumpTargets holds the result of the jump-target pre-pass for one
// routine body (§4.3): every line that must start a new block, either
// because it is the destination of a GOTO/GOSUB/ON GOTO/ON GOSUB/RESTORE
// or because it carries an explicit LABEL.
type jumpTargets struct {
	lines map[int]bool
}

func (j *jumpTargets) mark(line int) {
	if line != 0 {
		j.lines[line] = true
	}
}

func (j *jumpTargets) isTarget(line int) bool { return j.lines[line] }

// collectJumpTargets runs the pre-pass described in §4.3: "before
// building blocks, the builder collects every destination line of
// GOTO/GOSUB/ON GOTO/ON GOSUB/RESTORE and every explicit label. Any
// statement whose line is a jump target starts a new block."
//
// Target-by-label is resolved in two passes over the same statement set:
// first every Label statement's own line is recorded (a label always
// starts a block, referenced or not), then every Goto/Gosub/OnGoto/
// OnGosub/Restore target is resolved — numeric targets contribute their
// line directly, label targets resolve through the name→line map just
// built.
func collectJumpTargets(stmts []ast.Stmt) *jumpTargets {
	jt := &jumpTargets{lines: map[int]bool{}}
	labelLines := map[string]string{} // label name -> canonical key (itself); presence check only
	lineByLabel := map[string]int{}

	var walkLabels func([]ast.Stmt)
	walkLabels = func(body []ast.Stmt) {
		for _, s := range body {
			if lbl, ok := s.(*ast.Label); ok {
				lineByLabel[lbl.Name] = lbl.Pos().Line
				labelLines[lbl.Name] = lbl.Name
				jt.mark(lbl.Pos().Line)
			}
			walkLabels(nestedBodies(s))
		}
	}
	walkLabels(stmts)

	resolveTarget := func(t ast.Target) {
		if t.IsLabel {
			if line, ok := lineByLabel[t.Label]; ok {
				jt.mark(line)
			}
			return
		}
		jt.mark(t.Line)
	}

	var walkTargets func([]ast.Stmt)
	walkTargets = func(body []ast.Stmt) {
		for _, s := range body {
			switch n := s.(type) {
			case *ast.Goto:
				resolveTarget(n.Target)
			case *ast.Gosub:
				resolveTarget(n.Target)
			case *ast.OnGoto:
				for _, t := range n.Targets {
					resolveTarget(t)
				}
			case *ast.OnGosub:
				for _, t := range n.Targets {
					resolveTarget(t)
				}
			case *ast.Restore:
				if n.Target != nil {
					resolveTarget(*n.Target)
				}
			}
			walkTargets(nestedBodies(s))
		}
	}
	walkTargets(stmts)

	return jt
}

// nestedBodies returns the statement lists nested directly inside a
// structured statement (IF/SELECT CASE/TRY), so the pre-pass can see
// GOTOs and LABELs that live inside a block-structured construct. FOR,
// WHILE, DO and REPEAT carry no nested body in this AST: their bodies
// are just the following statements in the flat routine sequence,
// terminated by the matching NEXT/WEND/LOOP/UNTIL.
func nestedBodies(s ast.Stmt) []ast.Stmt {
	switch n := s.(type) {
	case *ast.If:
		var all []ast.Stmt
		all = append(all, n.Then...)
		for _, ei := range n.ElseIfs {
			all = append(all, ei.Body...)
		}
		all = append(all, n.Else...)
		return all
	case *ast.SelectCase:
		var all []ast.Stmt
		for _, c := range n.Cases {
			all = append(all, c.Body...)
		}
		all = append(all, n.Else...)
		return all
	case *ast.TryCatch:
		var all []ast.Stmt
		all = append(all, n.Try...)
		for _, c := range n.Catches {
			all = append(all, c.Body...)
		}
		all = append(all, n.Finally...)
		return all
	default:
		return nil
	}
}
