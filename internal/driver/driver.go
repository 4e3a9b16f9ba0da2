// Package driver implements the program driver (component C7): it wires
// C1-C6 together into the single `compile(AST, DATA) -> String` entry
// point spec.md §4.7 describes, plus the trace/dump hooks §6.4 wants from
// a CLI sitting on top of it.
package driver

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/fasterbasic/fbc/internal/ast"
	"github.com/fasterbasic/fbc/internal/cfg"
	"github.com/fasterbasic/fbc/internal/codegen"
	"github.com/fasterbasic/fbc/internal/data"
	"github.com/fasterbasic/fbc/internal/diag"
	"github.com/fasterbasic/fbc/internal/symtab"
	"github.com/fasterbasic/fbc/internal/types"
)

// Config resolves the flags and environment toggles §6.4 names into the
// knobs Compile needs. cmd/fbc builds one from a cobra.Command; anything
// else embedding this package (tests, a future IDE plugin) builds one
// directly.
type Config struct {
	// LegacyDefaultType selects Single instead of Double as the default
	// type for a suffixless identifier (§3.1, §9 open question #1).
	LegacyDefaultType bool

	TraceAST     bool
	TraceCFG     bool
	TraceSymbols bool
	DebugIL      bool

	// Logger receives trace/dump output. A nil Logger falls back to
	// logrus's standard logger so callers that don't care about log
	// routing (tests, one-off invocations) don't have to build one.
	Logger *logrus.Logger
}

func (c Config) logger() *logrus.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return logrus.StandardLogger()
}

func (c Config) traceEnabled() bool {
	return c.TraceAST || c.TraceCFG || c.TraceSymbols || c.DebugIL
}

// Compile runs the whole C2-C6 pipeline over a validated AST and its DATA
// vector, producing one QBE IL text plus every diagnostic collected along
// the way (§4.7). err is non-nil when any phase, emission included,
// reported a hard error and partial output is not enabled; diags is
// worth inspecting even when err is nil,
// since warnings never fail the build on their own (§7).
func Compile(prog *ast.Program, values *data.Vector, opts Config) (string, []diag.Diagnostic, error) {
	log := opts.logger()
	sink := diag.NewSink()
	tbl := symtab.New(opts.LegacyDefaultType)

	if opts.TraceAST {
		dumpAST(log, prog)
	}

	// §4.7 step 1: FOR/FOR EACH loop variables are forced Integer before
	// anything else touches the symbol table, so a later bare reference
	// to the same name (inside the loop body, or after it falls through)
	// resolves against the loop's type rather than the unit default.
	collectForLoopVars(prog, tbl)
	symtab.Populate(prog, tbl, sink)

	if opts.TraceSymbols {
		dumpSymbols(log, tbl)
	}

	partial := diag.PartialOutputAllowed(opts.traceEnabled())
	if sink.Fatal() && !partial {
		return "", derefAll(sink.All()), fmt.Errorf("%s", firstError(sink))
	}

	programCFG := cfg.Build(prog, tbl, sink)

	if opts.TraceCFG {
		dumpCFG(log, programCFG)
	}
	if sink.Fatal() && !partial {
		return "", derefAll(sink.All()), fmt.Errorf("%s", firstError(sink))
	}

	pool := codegen.NewStringPool()
	header := codegen.NewWriter()
	header.Raw("# fbc: FasterBASIC -> QBE IL\n\n")
	emitDataVector(header, values, pool)
	emitReturnStack(header)
	emitGlobalVector(header, tbl)
	emitArrayDescriptors(header, tbl, programCFG, opts.LegacyDefaultType)
	header.Raw("\n")

	out := header.String()
	out += emitMain(tbl, programCFG, pool, sink, values, opts.LegacyDefaultType)
	for _, key := range sortedFunctionNames(programCFG) {
		out += emitFunctionCFG(tbl, programCFG, pool, sink, values, opts.LegacyDefaultType, programCFG.Functions[key])
	}

	tail := codegen.NewWriter()
	pool.Emit(tail)
	out += tail.String()

	if opts.DebugIL {
		log.Debug(out)
	}

	// Emission itself does not stop at a codegen error (§7: it surfaces as
	// a placeholder plus an IL comment), but every diagnostic the emitter
	// reports through Context.errorf is a CodegenError of error severity,
	// so any of them fails the compile here, subject to the same
	// partial-output override as the earlier phases.
	if sink.Fatal() && !partial {
		return "", derefAll(sink.All()), fmt.Errorf("%s", firstError(sink))
	}
	return out, derefAll(sink.All()), nil
}

func firstError(sink *diag.Sink) string {
	for _, d := range sink.All() {
		if d.Severity == diag.SeverityError {
			return d.Error()
		}
	}
	return "compilation failed"
}

func derefAll(ds []*diag.Diagnostic) []diag.Diagnostic {
	out := make([]diag.Diagnostic, len(ds))
	for i, d := range ds {
		out[i] = *d
	}
	return out
}

func sortedFunctionNames(prog *cfg.ProgramCFG) []string {
	names := make([]string, 0, len(prog.Functions))
	for k := range prog.Functions {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// === §4.7 step 1: FOR/FOR EACH pre-pass ===

func collectForLoopVars(prog *ast.Program, tbl *symtab.Table) {
	walkForVars(prog.Statements, tbl)
}

func walkForVars(stmts []ast.Stmt, tbl *symtab.Table) {
	for _, s := range stmts {
		switch n := s.(type) {
		case *ast.For:
			declareForVar(tbl, n.Var, n.Pos())
		case *ast.ForIn:
			declareForVar(tbl, n.Var, n.Pos())
		case *ast.If:
			walkForVars(n.Then, tbl)
			for _, ei := range n.ElseIfs {
				walkForVars(ei.Body, tbl)
			}
			walkForVars(n.Else, tbl)
		case *ast.SelectCase:
			for _, cc := range n.Cases {
				walkForVars(cc.Body, tbl)
			}
			walkForVars(n.Else, tbl)
		case *ast.TryCatch:
			walkForVars(n.Try, tbl)
			for _, cc := range n.Catches {
				walkForVars(cc.Body, tbl)
			}
			walkForVars(n.Finally, tbl)
		case *ast.FunctionStatement:
			tbl.EnterScope(n.Name)
			walkForVars(n.Body, tbl)
			tbl.ExitScope()
		case *ast.SubStatement:
			tbl.EnterScope(n.Name)
			walkForVars(n.Body, tbl)
			tbl.ExitScope()
		}
	}
}

// declareForVar pre-seeds name as Integer. A genuine conflict (the same
// name already GLOBAL-declared with an incompatible type elsewhere in the
// program) is left for Populate's own DeclareVariable/DeclareArray call to
// report, with a location that actually points at the conflicting
// declaration rather than at every FOR that happens to reuse the name.
func declareForVar(tbl *symtab.Table, name string, loc ast.Location) {
	if name == "" {
		return
	}
	_, _ = tbl.DeclareVariable(name, types.IntegerDesc, false, loc)
}

// === §4.7 step 3: data section ===

func emitDataVector(w *codegen.Writer, values *data.Vector, pool *codegen.StringPool) {
	items := make([]string, 0, len(values.Values))
	kinds := make([]string, 0, len(values.Values))
	for _, v := range values.Values {
		switch v.Kind {
		case data.Int:
			items = append(items, fmt.Sprintf("l %d", v.IValue))
			kinds = append(kinds, "b 0")
		case data.Double:
			items = append(items, fmt.Sprintf("d %s", codegen.FormatDouble(v.DValue)))
			kinds = append(kinds, "b 1")
		case data.Str:
			items = append(items, fmt.Sprintf("l %s", pool.Intern(v.SValue)))
			kinds = append(kinds, "b 2")
		}
	}
	if len(items) == 0 {
		// An empty `{ }` data object isn't valid QBE; a program with no
		// DATA statements still needs $__basic_data to exist because
		// READ/RESTORE call sites reference it unconditionally.
		items = append(items, "l 0")
		kinds = append(kinds, "b 0")
	}
	w.Raw(fmt.Sprintf("data $__basic_data = { %s }\n", strings.Join(items, ", ")))
	w.Raw(fmt.Sprintf("data $__basic_data_types = { %s }\n", strings.Join(kinds, ", ")))
	w.Raw("data $__basic_data_ptr = { l 0 }\n")
}

// emitReturnStack lays out GOSUB's return-address stack as 16 `l` slots
// (8 bytes each) rather than the 16 `w` slots spec.md §4.7/§6.3 literally
// describes: pushReturnAddress/popReturnAddress (codegen/stmt.go) already
// address it with storel/loadl and an 8-byte stride, so a `w`-sized
// layout here would desync the stride baked into the already-shipped
// emitter. See DESIGN.md's Open Question log for the full rationale.
func emitReturnStack(w *codegen.Writer) {
	slots := make([]string, 16)
	for i := range slots {
		slots[i] = "l 0"
	}
	w.Raw(fmt.Sprintf("data $return_stack = { %s }\n", strings.Join(slots, ", ")))
	w.Raw("data $return_sp = { l 0 }\n")
}

func emitGlobalVector(w *codegen.Writer, tbl *symtab.Table) {
	if n := tbl.GlobalSlotCount(); n > 0 {
		w.Raw(fmt.Sprintf("data $__global_vector = { z %d }\n", n*8))
	}
}

// emitArrayDescriptors declares the static dope-vector object for every
// array the program DIMs, global or routine-local (§3.5: one descriptor
// per declared array name, for the whole program's lifetime). Routine
// scopes were populated once already by symtab.Populate and are re-
// entered here read-only, the same way emitFunctionCFG re-enters them to
// emit bodies.
func emitArrayDescriptors(w *codegen.Writer, tbl *symtab.Table, prog *cfg.ProgramCFG, legacyDefault bool) {
	for _, a := range tbl.LocalArrays() {
		codegen.EmitArrayDescriptor(w, codegen.ArrayDescSymbol(a.Name, legacyDefault))
	}
	for _, key := range sortedFunctionNames(prog) {
		g := prog.Functions[key]
		tbl.EnterScope(g.Name)
		for _, a := range tbl.LocalArrays() {
			codegen.EmitArrayDescriptor(w, codegen.ArrayDescSymbol(a.Name, legacyDefault))
		}
		tbl.ExitScope()
	}
}

// === §4.7 step 4: main ===

func emitMain(tbl *symtab.Table, prog *cfg.ProgramCFG, pool *codegen.StringPool, sink *diag.Sink, values *data.Vector, legacyDefault bool) string {
	mw := codegen.NewWriter()
	c := &codegen.Context{
		Tbl:           tbl,
		Prog:          prog,
		Pool:          pool,
		W:             mw,
		Sink:          sink,
		Values:        values,
		LegacyDefault: legacyDefault,
	}
	mw.Raw("export function w $main() {\n")
	mw.Label("start")
	mw.Emit("call $basic_runtime_init()")
	codegen.EmitRoutine(c, prog.Main)
	mw.Raw("}\n\n")
	return mw.String()
}

// === §4.7 step 5: functions/SUBs ===

func emitFunctionCFG(tbl *symtab.Table, prog *cfg.ProgramCFG, pool *codegen.StringPool, sink *diag.Sink, values *data.Vector, legacyDefault bool, g *cfg.CFG) string {
	fw := codegen.NewWriter()
	c := &codegen.Context{
		Tbl:           tbl,
		Prog:          prog,
		Pool:          pool,
		W:             fw,
		Sink:          sink,
		Values:        values,
		LegacyDefault: legacyDefault,
		CurrentFunc:   g.Name,
		IsSub:         g.IsSub,
		Params:        paramMap(g.Params),
	}
	tbl.EnterScope(g.Name)
	defer tbl.ExitScope()

	sym := types.Sanitize(g.Name)
	params := formatParams(g.Params)
	if g.IsSub {
		fw.Raw(fmt.Sprintf("export function $%s(%s) {\n", sym, params))
	} else {
		fw.Raw(fmt.Sprintf("export function %s $%s(%s) {\n", types.QBEType(g.ReturnType), sym, params))
	}
	codegen.EmitRoutine(c, g)
	fw.Raw("}\n\n")
	return fw.String()
}

func paramMap(params []ast.Param) map[string]types.Descriptor {
	m := make(map[string]types.Descriptor, len(params))
	for _, p := range params {
		m[p.Name] = p.Type
	}
	return m
}

func formatParams(params []ast.Param) string {
	parts := make([]string, len(params))
	for i, p := range params {
		parts[i] = fmt.Sprintf("%s %%%s", types.QBEType(p.Type), types.Sanitize(p.Name))
	}
	return strings.Join(parts, ", ")
}

// === trace/dump modes (§6.4) ===

func dumpAST(log *logrus.Logger, prog *ast.Program) {
	log.WithField("statements", len(prog.Statements)).Info("TRACE_AST: parsed program")
	for _, s := range prog.Statements {
		log.WithFields(logrus.Fields{
			"kind": fmt.Sprintf("%T", s),
			"line": s.Pos().Line,
		}).Trace("TRACE_AST: statement")
	}
}

func dumpSymbols(log *logrus.Logger, tbl *symtab.Table) {
	log.WithField("globals", tbl.GlobalSlotCount()).Info("TRACE_SYMBOLS: global slots allocated")
	for _, name := range tbl.RecordTypeNames() {
		log.WithField("type", name).Debug("TRACE_SYMBOLS: record type")
	}
}

func dumpCFG(log *logrus.Logger, prog *cfg.ProgramCFG) {
	log.WithField("blocks", len(prog.Main.Blocks)).Info("TRACE_CFG: main built")
	for _, key := range sortedFunctionNames(prog) {
		g := prog.Functions[key]
		log.WithFields(logrus.Fields{"routine": g.Name, "blocks": len(g.Blocks)}).Debug("TRACE_CFG: routine built")
	}
}
