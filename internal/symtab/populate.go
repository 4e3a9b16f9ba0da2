package symtab

import (
	"github.com/fasterbasic/fbc/internal/ast"
	"github.com/fasterbasic/fbc/internal/diag"
	"github.com/fasterbasic/fbc/internal/types"
)

// Populate walks a validated program and pre-declares every symbol whose
// declaration is explicit in source (GLOBAL, LOCAL, SHARED, CONST, TYPE,
// DIM) so that lookups performed while C3 builds the CFG and while C5
// emits statements never race a declaration that hasn't happened yet.
// Implicit scalars (a bare assignment to a name nobody DIMed) are left
// alone; LookupVariable declares those lazily on first reference, per
// §3.3.
//
// The walk mirrors buildRoutineCFG's scope discipline: the program's
// top-level statements run in the global scope, each FUNCTION/SUB body
// gets its own named scope (kept alive by Table.EnterScope so codegen can
// re-enter it later and see the same declarations). DEF bodies are a
// single expression and declare nothing.
func Populate(prog *ast.Program, tbl *Table, sink *diag.Sink) {
	p := &populator{tbl: tbl, sink: sink}
	p.walk(prog.Statements)
}

type populator struct {
	tbl  *Table
	sink *diag.Sink
}

func (p *populator) report(err error) {
	if d, ok := err.(*diag.Diagnostic); ok {
		p.sink.Report(d)
	}
}

func (p *populator) walk(stmts []ast.Stmt) {
	for _, s := range stmts {
		p.walkOne(s)
	}
}

func (p *populator) walkOne(s ast.Stmt) {
	switch n := s.(type) {
	case *ast.Global:
		for _, decl := range n.Decls {
			if _, err := p.tbl.DeclareVariable(decl.Name, decl.Type, true, n.Pos()); err != nil {
				p.report(err)
			}
		}
	case *ast.Local:
		for _, name := range n.Names {
			if _, err := p.tbl.DeclareLocal(name, n.Pos()); err != nil {
				p.report(err)
			}
		}
	case *ast.Shared:
		// SHARED re-exposes an existing global under the current scope;
		// LookupVariable already falls back to the global scope, so
		// there is nothing further to declare here.
	case *ast.Constant:
		info := ConstantInfo{Kind: n.Kind, IValue: n.IValue, DValue: n.DValue, SValue: n.SValue}
		if err := p.tbl.DeclareConstant(n.Name, info, n.Pos()); err != nil {
			p.report(err)
		}
	case *ast.TypeDecl:
		fields := make([]Field, len(n.Fields))
		for i, f := range n.Fields {
			fields[i] = Field{Name: f.Name, Type: f.Type, NestedType: f.NestedType, IsBuiltIn: f.NestedType == ""}
		}
		if err := p.tbl.DeclareRecordType(RecordType{Name: n.Name, Fields: fields}, n.Pos()); err != nil {
			p.report(err)
		}
	case *ast.Dim:
		isGlobal := p.tbl.current == p.tbl.global
		for _, decl := range n.Decls {
			info := ArrayInfo{ElemType: decl.ElemType, UserType: decl.UserType, Dims: decl.Dims}
			if _, err := p.tbl.DeclareArray(decl.Name, info, isGlobal, n.Pos()); err != nil {
				p.report(err)
			}
		}
	case *ast.If:
		p.walk(n.Then)
		for _, ei := range n.ElseIfs {
			p.walk(ei.Body)
		}
		p.walk(n.Else)
	case *ast.SelectCase:
		for _, cc := range n.Cases {
			p.walk(cc.Body)
		}
		p.walk(n.Else)
	case *ast.TryCatch:
		p.walk(n.Try)
		for _, cc := range n.Catches {
			p.walk(cc.Body)
		}
		p.walk(n.Finally)
	case *ast.FunctionStatement:
		info := FunctionInfo{ReturnType: n.ReturnType, ParamTypes: paramTypesOf(n.Params), IsSub: false}
		if err := p.tbl.DeclareFunction(n.Name, info, n.Pos()); err != nil {
			p.report(err)
		}
		p.tbl.EnterScope(n.Name)
		p.walk(n.Body)
		p.tbl.ExitScope()
	case *ast.SubStatement:
		info := FunctionInfo{ParamTypes: paramTypesOf(n.Params), IsSub: true}
		if err := p.tbl.DeclareFunction(n.Name, info, n.Pos()); err != nil {
			p.report(err)
		}
		p.tbl.EnterScope(n.Name)
		p.walk(n.Body)
		p.tbl.ExitScope()
	}
}

func paramTypesOf(params []ast.Param) []types.Descriptor {
	out := make([]types.Descriptor, len(params))
	for i, p := range params {
		out[i] = p.Type
	}
	return out
}
