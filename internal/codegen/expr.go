package codegen

import (
	"fmt"
	"strings"

	"github.com/fasterbasic/fbc/internal/ast"
	"github.com/fasterbasic/fbc/internal/cfg"
	"github.com/fasterbasic/fbc/internal/data"
	"github.com/fasterbasic/fbc/internal/diag"
	"github.com/fasterbasic/fbc/internal/symtab"
	"github.com/fasterbasic/fbc/internal/types"
)

// Context carries the shared emission state threaded through expression
// and statement lowering for one compilation unit: the symbol table
// (read-only during emission, per spec §5), the string pool, the current
// routine's writer, and the diagnostics sink. Per-routine fields
// (CurrentFunc, IsSub, Params) are set by the driver, which builds a fresh
// Context for each routine it emits.
type Context struct {
	Tbl           *symtab.Table
	Prog          *cfg.ProgramCFG
	Pool          *StringPool
	W             *Writer
	Sink          *diag.Sink
	LegacyDefault bool

	// Values is the compilation unit's flattened DATA vector, consulted
	// by RESTORE to resolve a label/line argument to an index into the
	// runtime's $__basic_data array rather than passing a raw source
	// line straight through (§4.5).
	Values *data.Vector

	// CurrentFunc names the routine currently being emitted, "" for the
	// main program. Used by bare RETURN inside a FUNCTION to know which
	// variable holds the return value (§4.5: "stores the return value to
	// the function-name variable").
	CurrentFunc string
	IsSub       bool

	// Params holds the current routine's declared parameters, emitted as
	// plain QBE parameters rather than symbol-table variables (§4.4:
	// "%<param>" for parameters).
	Params map[string]types.Descriptor

	// Loc is the source location of the statement currently being
	// lowered, used for diagnostics raised while emitting its
	// subexpressions (expression AST nodes carry no location of their
	// own, spec §6.1).
	Loc ast.Location
}

func (c *Context) diagLoc() diag.Location {
	return diag.Location{File: c.Loc.File, Line: c.Loc.Line}
}

// errorf reports a codegen-internal diagnostic to the sink and leaves an
// `# ERROR: ...` marker in the emitted IL at the point of failure (§7:
// codegen-internal errors surface as an IL comment plus a safe
// placeholder rather than aborting emission).
func (c *Context) errorf(format string, args ...interface{}) {
	c.Sink.Report(diag.CodegenError(c.diagLoc(), format, args...))
	c.W.Comment("ERROR: "+format, args...)
}

// EmitExpr lowers an expression to a (temporary, QBE class, BASIC
// descriptor) triple (spec §4.4).
func EmitExpr(c *Context, e ast.Expr) (string, types.QBEClass, types.Descriptor) {
	switch n := e.(type) {
	case *ast.Number:
		return emitNumber(c, n)
	case *ast.String:
		return emitString(c, n)
	case *ast.Variable:
		return emitVariable(c, n)
	case *ast.Binary:
		return emitBinary(c, n)
	case *ast.Unary:
		return emitUnary(c, n)
	case *ast.FunctionCall:
		return emitCall(c, n)
	case *ast.ArrayAccess:
		tmp, class, desc, _ := emitArrayAccess(c, n, false)
		return tmp, class, desc
	case *ast.MemberAccess:
		return emitMemberAccess(c, n)
	default:
		c.errorf("unsupported expression node %T", e)
		t := c.W.NewTemp()
		c.W.Emit("%s =w copy 0", t)
		return t, types.ClassWord, types.IntegerDesc
	}
}

func emitNumber(c *Context, n *ast.Number) (string, types.QBEClass, types.Descriptor) {
	t := c.W.NewTemp()
	c.W.Emit("%s =d copy %s", t, FormatDouble(n.Value))
	return t, types.ClassDouble, types.DoubleDesc
}

func emitString(c *Context, n *ast.String) (string, types.QBEClass, types.Descriptor) {
	sym := c.Pool.Intern(n.Value)
	t := c.W.NewTemp()
	c.W.Emit("%s =l call $string_new_utf8(l %s)", t, sym)
	return t, types.ClassLong, types.StringDesc
}

func emitVariable(c *Context, n *ast.Variable) (string, types.QBEClass, types.Descriptor) {
	if info, ok := c.Tbl.LookupConstant(n.Name); ok {
		return emitInlinedConstant(c, info)
	}
	if desc, ok := c.Params[n.Name]; ok {
		return "%" + types.Sanitize(n.Name), types.QBEType(desc), desc
	}
	info, err := c.Tbl.LookupVariable(n.Name, c.Loc)
	if err != nil {
		c.Sink.Report(err.(*diag.Diagnostic))
		return "0", types.ClassWord, types.IntegerDesc
	}
	mangled := types.Mangle(n.Name, c.LegacyDefault)
	class := types.QBEType(info.Type)
	if info.IsGlobal {
		t := c.W.NewTemp()
		addr := c.W.NewTemp()
		c.W.Emit("%s =l add $__global_vector, %d", addr, info.GlobalSlot*8)
		c.W.Emit("%s =%s %s %s", t, class, types.QBELoadOp(info.Type), addr)
		return t, class, info.Type
	}
	t := c.W.NewTemp()
	c.W.Emit("%s =%s %s %%var_%s", t, class, types.QBELoadOp(info.Type), mangled)
	return t, class, info.Type
}

// ArrayDescSymbol returns the data-segment symbol holding an array's
// 64-byte dope vector (§3.5). Array descriptors live in static storage
// rather than a routine's stack frame: FasterBASIC has no recursion, so a
// single program-lifetime descriptor per declared array name is
// sufficient and lets DIM/REDIM/ERASE address it the same way regardless
// of whether the array was declared GLOBAL or as a routine local.
func ArrayDescSymbol(name string, legacyDefault bool) string {
	return "$arr_desc_" + types.Mangle(name, legacyDefault)
}

// localSlot returns the stack-slot address for a local scalar variable
// (§9: every mutable local is stack-resident, loaded/stored rather than
// treated as a single SSA value, so it can be written from more than one
// predecessor block without needing phi nodes of its own).
func localSlot(name string, legacyDefault bool) string {
	return "%var_" + types.Mangle(name, legacyDefault)
}

// globalAddr returns the $__global_vector address for a global's slot.
func globalAddr(c *Context, slot int) string {
	addr := c.W.NewTemp()
	c.W.Emit("%s =l add $__global_vector, %d", addr, slot*8)
	return addr
}

// StoreVariable writes a value to a bare-variable assignment target,
// coercing to the target's declared type first (§4.5 LET shape 1).
func StoreVariable(c *Context, name string, valTmp string, valDesc types.Descriptor) {
	info, err := c.Tbl.LookupVariable(name, c.Loc)
	if err != nil {
		c.Sink.Report(err.(*diag.Diagnostic))
		return
	}
	coerced, class := promoteTo(c, valTmp, valDesc, info.Type)
	if info.IsGlobal {
		addr := globalAddr(c, info.GlobalSlot)
		c.W.Emit("%s %s, %s", types.QBEStoreOp(info.Type), coerced, addr)
		_ = class
		return
	}
	c.W.Emit("%s %s, %s", types.QBEStoreOp(info.Type), coerced, localSlot(name, c.LegacyDefault))
}

// StoreLValue writes a value to a general assignment target — a bare
// variable, an array element, or a (possibly array-rooted) member chain
// (§4.5 LET shapes 1-3, and INPUT/READ target assignment).
func StoreLValue(c *Context, lv ast.LValue, valTmp string, valDesc types.Descriptor) {
	switch {
	case len(lv.Members) == 0 && len(lv.Indices) == 0:
		StoreVariable(c, lv.Name, valTmp, valDesc)
	case len(lv.Members) == 0:
		_, _, elemDesc, addr := emitArrayAccess(c, &ast.ArrayAccess{Name: lv.Name, Indices: lv.Indices}, true)
		coerced, _ := promoteTo(c, valTmp, valDesc, elemDesc)
		c.W.Emit("%s %s, %s", types.QBEStoreOp(elemDesc), coerced, addr)
	default:
		addr, field, err := memberAddressFromLValue(c, lv)
		if err != nil {
			c.Sink.Report(err.(*diag.Diagnostic))
			return
		}
		coerced, _ := promoteTo(c, valTmp, valDesc, field.Type)
		c.W.Emit("%s %s, %s", types.QBEStoreOp(field.Type), coerced, addr)
	}
}

// memberAddressFromLValue walks an LValue's member chain the same way
// memberAddress walks a *ast.MemberAccess, rooted at a plain variable or
// an array element rather than an arbitrary expression.
func memberAddressFromLValue(c *Context, lv ast.LValue) (string, symtab.Field, error) {
	var typeName, addr string
	var err error
	if len(lv.Indices) > 0 {
		typeName, err = c.Tbl.UserDefinedTypeOf(lv.Name, c.Loc)
		if err != nil {
			return "", symtab.Field{}, err
		}
		_, _, _, addr = emitArrayAccess(c, &ast.ArrayAccess{Name: lv.Name, Indices: lv.Indices}, true)
	} else {
		typeName, err = c.Tbl.UserDefinedTypeOf(lv.Name, c.Loc)
		if err != nil {
			return "", symtab.Field{}, err
		}
		addr = "%var_" + types.Mangle(lv.Name, c.LegacyDefault)
	}
	var field symtab.Field
	for _, m := range lv.Members {
		field, err = c.Tbl.FieldType(typeName, m, c.Loc)
		if err != nil {
			return "", symtab.Field{}, err
		}
		layout, lerr := c.Tbl.Layout(typeName, c.Loc)
		if lerr != nil {
			return "", symtab.Field{}, lerr
		}
		t := c.W.NewTemp()
		c.W.Emit("%s =l add %s, %d", t, addr, layout.Offsets[field.Name])
		addr = t
		typeName = field.NestedType
	}
	return addr, field, nil
}

func emitInlinedConstant(c *Context, info *symtab.ConstantInfo) (string, types.QBEClass, types.Descriptor) {
	t := c.W.NewTemp()
	switch info.Kind {
	case ast.ConstInteger:
		c.W.Emit("%s =l copy %d", t, info.IValue)
		return t, types.ClassLong, types.LongDesc
	case ast.ConstDouble:
		c.W.Emit("%s =d copy %s", t, FormatDouble(info.DValue))
		return t, types.ClassDouble, types.DoubleDesc
	default:
		sym := c.Pool.Intern(info.SValue)
		c.W.Emit("%s =l call $string_new_utf8(l %s)", t, sym)
		return t, types.ClassLong, types.StringDesc
	}
}

// === binary / unary ===

func emitBinary(c *Context, n *ast.Binary) (string, types.QBEClass, types.Descriptor) {
	lt, lc, ld := EmitExpr(c, n.Left)
	rt, rc, rd := EmitExpr(c, n.Right)

	if n.Op == ast.OpAdd && ld.IsStringLike() && rd.IsStringLike() {
		t := c.W.NewTemp()
		c.W.Emit("%s =l call $string_concat(l %s, l %s)", t, lt, rt)
		return t, types.ClassLong, types.StringDesc
	}

	if isComparison(n.Op) {
		return emitComparison(c, n.Op, lt, lc, ld, rt, rc, rd)
	}

	if isBitwise(n.Op) {
		return emitBitwise(c, n.Op, lt, lc, rt, rc)
	}

	if n.Op == ast.OpMod {
		lt2, _ := promoteTo(c, lt, ld, types.LongDesc)
		rt2, _ := promoteTo(c, rt, rd, types.LongDesc)
		t := c.W.NewTemp()
		c.W.Emit("%s =l rem %s, %s", t, lt2, rt2)
		return t, types.ClassLong, types.LongDesc
	}

	if n.Op == ast.OpPow {
		lv, _ := promoteTo(c, lt, ld, types.DoubleDesc)
		rv, _ := promoteTo(c, rt, rd, types.DoubleDesc)
		t := c.W.NewTemp()
		c.W.Emit("%s =d call $basic_pow(d %s, d %s)", t, lv, rv)
		return t, types.ClassDouble, types.DoubleDesc
	}

	// Numeric promotion: either side floating promotes both to Double;
	// both Integer stays Integer (spec §4.4).
	resultDesc := types.LongDesc
	if ld.IsFloat() || rd.IsFloat() {
		resultDesc = types.DoubleDesc
	} else if ld.Kind == types.Integer && rd.Kind == types.Integer {
		resultDesc = types.IntegerDesc
	}
	lv, _ := promoteTo(c, lt, ld, resultDesc)
	rv, _ := promoteTo(c, rt, rd, resultDesc)

	op, ok := binOpName(n.Op)
	if !ok {
		c.errorf("unsupported binary operator %v", n.Op)
		return lv, types.QBEType(resultDesc), resultDesc
	}
	class := types.QBEType(resultDesc)
	t := c.W.NewTemp()
	c.W.Emit("%s =%s %s %s, %s", t, class, op, lv, rv)
	return t, class, resultDesc
}

func binOpName(op ast.BinOp) (string, bool) {
	switch op {
	case ast.OpAdd:
		return "add", true
	case ast.OpSub:
		return "sub", true
	case ast.OpMul:
		return "mul", true
	case ast.OpDiv:
		return "div", true
	default:
		return "", false
	}
}

func isComparison(op ast.BinOp) bool {
	switch op {
	case ast.OpEq, ast.OpNeq, ast.OpLt, ast.OpGt, ast.OpLeq, ast.OpGeq:
		return true
	}
	return false
}

func isBitwise(op ast.BinOp) bool {
	switch op {
	case ast.OpAnd, ast.OpOr, ast.OpXor:
		return true
	}
	return false
}

// emitComparison implements §4.4: "comparisons always produce w";
// signed integer comparisons use csle/cslt/csge/csgt; float comparisons
// use cle/clt/cge/cgt (no 's' prefix).
func emitComparison(c *Context, op ast.BinOp, lt string, lc types.QBEClass, ld types.Descriptor, rt string, rc types.QBEClass, rd types.Descriptor) (string, types.QBEClass, types.Descriptor) {
	if ld.IsStringLike() && rd.IsStringLike() {
		// Two strings compare by content: string_compare's result is then
		// compared against zero with the same operator.
		cmp := c.W.NewTemp()
		c.W.Emit("%s =w call $string_compare(l %s, l %s)", cmp, lt, rt)
		lt, ld, rt, rd = cmp, types.IntegerDesc, "0", types.LongDesc
	}
	floating := ld.IsFloat() || rd.IsFloat()
	var operand types.Descriptor
	if floating {
		operand = types.DoubleDesc
	} else {
		operand = types.LongDesc
	}
	lv, _ := promoteTo(c, lt, ld, operand)
	rv, _ := promoteTo(c, rt, rd, operand)

	var suffix string
	switch op {
	case ast.OpEq:
		suffix = "eq"
	case ast.OpNeq:
		suffix = "ne"
	case ast.OpLt:
		suffix = "lt"
	case ast.OpGt:
		suffix = "gt"
	case ast.OpLeq:
		suffix = "le"
	case ast.OpGeq:
		suffix = "ge"
	}

	class := types.QBEType(operand)
	var prefix string
	switch {
	case floating && (suffix == "eq" || suffix == "ne"):
		prefix = "c"
	case floating:
		prefix = "c"
	case suffix == "eq" || suffix == "ne":
		prefix = "c"
	default:
		prefix = "cs" // signed integer compare
	}
	mnemonic := prefix + suffix + string(class)
	t := c.W.NewTemp()
	c.W.Emit("%s =w %s %s, %s", t, mnemonic, lv, rv)
	return t, types.ClassWord, types.IntegerDesc
}

// emitBitwise handles AND/OR/XOR: operate on whichever of w/l the
// operands share, sign-extending w→l if mixed (§4.4).
func emitBitwise(c *Context, op ast.BinOp, lt string, lc types.QBEClass, rt string, rc types.QBEClass) (string, types.QBEClass, types.Descriptor) {
	class := types.ClassWord
	if lc == types.ClassLong || rc == types.ClassLong {
		class = types.ClassLong
		lt = extendIfNeeded(c, lt, lc)
		rt = extendIfNeeded(c, rt, rc)
	}
	var mnemonic string
	switch op {
	case ast.OpAnd:
		mnemonic = "and"
	case ast.OpOr:
		mnemonic = "or"
	case ast.OpXor:
		mnemonic = "xor"
	}
	t := c.W.NewTemp()
	c.W.Emit("%s =%s %s %s, %s", t, class, mnemonic, lt, rt)
	desc := types.IntegerDesc
	if class == types.ClassLong {
		desc = types.LongDesc
	}
	return t, class, desc
}

func extendIfNeeded(c *Context, tmp string, from types.QBEClass) string {
	if from == types.ClassLong {
		return tmp
	}
	t := c.W.NewTemp()
	c.W.Emit("%s =l extsw %s", t, tmp)
	return t
}

func emitUnary(c *Context, n *ast.Unary) (string, types.QBEClass, types.Descriptor) {
	vt, vc, vd := EmitExpr(c, n.X)
	switch n.Op {
	case ast.OpNeg:
		t := c.W.NewTemp()
		zero := "0"
		if vc == types.ClassDouble {
			zero = FormatDouble(0)
		}
		c.W.Emit("%s =%s sub %s, %s", t, vc, zero, vt)
		return t, vc, vd
	case ast.OpPos:
		t := c.W.NewTemp()
		c.W.Emit("%s =%s copy %s", t, vc, vt)
		return t, vc, vd
	case ast.OpNot:
		t := c.W.NewTemp()
		c.W.Emit("%s =w ceqw %s, 0", t, vt)
		return t, types.ClassWord, types.IntegerDesc
	default:
		c.errorf("unsupported unary operator %v", n.Op)
		return vt, vc, vd
	}
}

// === promotion ===

// promoteTo implements promoteToType (§4.4): converts a value already in
// class `from` to the class `to` demands, emitting the fewest
// instructions needed, and is a no-op when the classes already match.
func promoteTo(c *Context, tmp string, from, to types.Descriptor) (string, types.QBEClass) {
	fc, tc := types.QBEType(from), types.QBEType(to)
	if fc == tc && from.IsStringLike() == to.IsStringLike() {
		return tmp, tc
	}
	switch {
	case fc == types.ClassWord && tc == types.ClassLong:
		t := c.W.NewTemp()
		c.W.Emit("%s =l extsw %s", t, tmp)
		return t, tc
	case fc == types.ClassLong && tc == types.ClassWord:
		t := c.W.NewTemp()
		c.W.Emit("%s =w copy %s", t, tmp)
		return t, tc
	case (fc == types.ClassWord || fc == types.ClassLong) && tc == types.ClassDouble:
		src := tmp
		if fc == types.ClassWord {
			e := c.W.NewTemp()
			c.W.Emit("%s =l extsw %s", e, tmp)
			src = e
		}
		t := c.W.NewTemp()
		c.W.Emit("%s =d sltof %s", t, src)
		return t, tc
	case fc == types.ClassDouble && tc == types.ClassLong:
		t := c.W.NewTemp()
		c.W.Emit("%s =l dtosi %s", t, tmp)
		return t, tc
	case fc == types.ClassDouble && tc == types.ClassWord:
		long := c.W.NewTemp()
		c.W.Emit("%s =l dtosi %s", long, tmp)
		t := c.W.NewTemp()
		c.W.Emit("%s =w copy %s", t, long)
		return t, tc
	case fc == types.ClassSingle && tc == types.ClassDouble:
		t := c.W.NewTemp()
		c.W.Emit("%s =d exts %s", t, tmp)
		return t, tc
	case fc == types.ClassDouble && tc == types.ClassSingle:
		t := c.W.NewTemp()
		c.W.Emit("%s =s truncd %s", t, tmp)
		return t, tc
	case (fc == types.ClassWord || fc == types.ClassLong) && to.IsStringLike():
		src := tmp
		if fc == types.ClassWord {
			src = extendIfNeeded(c, tmp, fc)
		}
		t := c.W.NewTemp()
		c.W.Emit("%s =l call $string_from_int(l %s)", t, src)
		return t, types.ClassLong
	case fc == types.ClassDouble && to.IsStringLike():
		t := c.W.NewTemp()
		c.W.Emit("%s =l call $string_from_double(d %s)", t, tmp)
		return t, types.ClassLong
	case from.IsStringLike() && to.IsInteger():
		t := c.W.NewTemp()
		c.W.Emit("%s =w call $str_to_int(l %s)", t, tmp)
		return promoteTo(c, t, types.IntegerDesc, to)
	case from.IsStringLike() && to.IsFloat():
		t := c.W.NewTemp()
		c.W.Emit("%s =d call $str_to_double(l %s)", t, tmp)
		return t, types.ClassDouble
	default:
		return tmp, tc
	}
}

// PromoteToType is the exported form used by stmt.go's assignment
// coercions.
func PromoteToType(c *Context, tmp string, from, to types.Descriptor) (string, types.QBEClass) {
	return promoteTo(c, tmp, from, to)
}

// === function calls ===

var foldableIntrinsics = map[string]bool{
	"FIX": true, "CINT": true, "ABS": true, "SGN": true, "MIN": true, "MAX": true,
}

// builtinRuntimeName maps a BASIC built-in function keyword to the fixed
// runtime entry point it lowers to (§6.3). FIX/CINT/ABS/SGN/MIN/MAX are
// folded when their arguments are literals, and a non-literal ABS or SGN
// is inlined (§4.4); none of the six is in this table, so a non-literal
// FIX/CINT/MIN/MAX call is reported as a call to an undefined function.
// STR$/VAL dispatch on their argument's type rather than a fixed entry
// point and so are handled in emitCall directly.
var builtinRuntimeName = map[string]string{
	"LEN":      "string_length",
	"MID$":     "string_mid",
	"LEFT$":    "string_left",
	"RIGHT$":   "string_right",
	"UCASE$":   "string_upper",
	"LCASE$":   "string_lower",
	"TRIM$":    "string_trim",
	"LTRIM$":   "string_ltrim",
	"RTRIM$":   "string_rtrim",
	"REVERSE$": "string_reverse",
	"REPLACE$": "string_replace",
	"INSTR":    "string_instr",
	"INSTRREV": "string_instrrev",
	"TALLY":    "string_tally",

	"SIN": "basic_sin", "COS": "basic_cos", "TAN": "basic_tan",
	"ATN": "basic_atan", "ATN2": "basic_atan2",
	"ASIN": "basic_asin", "ACOS": "basic_acos",
	"SINH": "basic_sinh", "COSH": "basic_cosh", "TANH": "basic_tanh",
	"ASINH": "basic_asinh", "ACOSH": "basic_acosh", "ATANH": "basic_atanh",
	"SQR": "basic_sqrt", "CBRT": "basic_cbrt",
	"LOG": "basic_log", "LOG10": "basic_log10", "LOG1P": "basic_log1p",
	"EXP": "basic_exp", "EXP2": "basic_exp2", "EXPM1": "basic_expm1",
	"HYPOT": "basic_hypot", "FMOD": "basic_fmod", "REMAINDER": "basic_remainder",
	"FLOOR": "basic_floor", "CEIL": "basic_ceil", "TRUNC": "basic_trunc", "ROUND": "basic_round",
	"COPYSIGN": "basic_copysign", "NEXTAFTER": "basic_nextafter",
	"FMAX": "basic_fmax", "FMIN": "basic_fmin", "FMA": "basic_fma",
	"ERF": "basic_erf", "ERFC": "basic_erfc", "TGAMMA": "basic_tgamma", "LGAMMA": "basic_lgamma",
	"DEG": "basic_deg", "RAD": "basic_rad",
	"SIGMOID": "basic_sigmoid", "LOGIT": "basic_logit",
	"NORMPDF": "basic_normpdf", "NORMCDF": "basic_normcdf",
	"FACT": "basic_fact", "COMB": "basic_comb", "PERM": "basic_perm",
	"CLAMP": "basic_clamp", "LERP": "basic_lerp",
	"PMT": "basic_pmt", "PV": "basic_pv", "FV": "basic_fv",
	"TIMER": "basic_timer", "RND": "basic_rnd", "RAND": "basic_rand",
}

func emitCall(c *Context, n *ast.FunctionCall) (string, types.QBEClass, types.Descriptor) {
	name := strings.ToUpper(n.Name)

	if foldableIntrinsics[name] {
		if tmp, class, desc, ok := tryFoldIntrinsic(c, name, n.Args); ok {
			return tmp, class, desc
		}
	}

	switch name {
	case "ABS":
		return emitAbsInline(c, n.Args[0])
	case "SGN":
		return emitSgnInline(c, n.Args[0])
	case "STR$":
		return emitStrFn(c, n.Args[0])
	case "VAL":
		vt, _, _ := EmitExpr(c, n.Args[0])
		t := c.W.NewTemp()
		c.W.Emit("%s =d call $str_to_double(l %s)", t, vt)
		return t, types.ClassDouble, types.DoubleDesc
	}

	if runtimeName, ok := builtinRuntimeName[name]; ok {
		return emitRuntimeCall(c, runtimeName, n.Args)
	}

	return emitUserCall(c, n)
}

// tryFoldIntrinsic implements constant folding (§4.4, §9 "keep it tiny"):
// only numeric-literal arguments to FIX/CINT/ABS/SGN/MIN/MAX are folded.
func tryFoldIntrinsic(c *Context, name string, args []ast.Expr) (string, types.QBEClass, types.Descriptor, bool) {
	vals := make([]float64, len(args))
	for i, a := range args {
		num, ok := a.(*ast.Number)
		if !ok {
			return "", "", types.Descriptor{}, false
		}
		vals[i] = num.Value
	}
	var result float64
	intResult := false
	switch name {
	case "FIX":
		result = float64(int64(vals[0]))
		intResult = true
	case "CINT":
		result = float64(int64(vals[0] + signOf(vals[0])*0.5))
		intResult = true
	case "ABS":
		result = absFloat(vals[0])
	case "SGN":
		result = signOf(vals[0])
		intResult = true
	case "MIN":
		result = vals[0]
		for _, v := range vals[1:] {
			if v < result {
				result = v
			}
		}
	case "MAX":
		result = vals[0]
		for _, v := range vals[1:] {
			if v > result {
				result = v
			}
		}
	default:
		return "", "", types.Descriptor{}, false
	}
	t := c.W.NewTemp()
	if intResult {
		c.W.Emit("%s =l copy %d", t, int64(result))
		return t, types.ClassLong, types.LongDesc, true
	}
	c.W.Emit("%s =d copy %s", t, FormatDouble(result))
	return t, types.ClassDouble, types.DoubleDesc, true
}

func signOf(v float64) float64 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// emitAbsInline handles ABS on a non-foldable operand: an integer operand
// is negated under a compare-and-branch, a floating operand calls
// basic_abs_double (§4.4).
func emitAbsInline(c *Context, arg ast.Expr) (string, types.QBEClass, types.Descriptor) {
	vt, vc, vd := EmitExpr(c, arg)
	if vd.IsFloat() {
		t := c.W.NewTemp()
		c.W.Emit("%s =d call $basic_abs_double(d %s)", t, vt)
		return t, types.ClassDouble, types.DoubleDesc
	}
	result := c.W.NewTemp()
	neg := c.W.NewLabel("abs_neg")
	pos := c.W.NewLabel("abs_pos")
	join := c.W.NewLabel("abs_join")
	cond := c.W.NewTemp()
	c.W.Emit("%s =w cslt%s %s, 0", cond, vc, vt)
	c.W.Emit("jnz %s, @%s, @%s", cond, neg, pos)
	c.W.Label(neg)
	negated := c.W.NewTemp()
	c.W.Emit("%s =%s sub 0, %s", negated, vc, vt)
	c.W.Emit("jmp @%s", join)
	c.W.Label(pos)
	c.W.Emit("jmp @%s", join)
	c.W.Label(join)
	c.W.Emit("%s =%s phi @%s %s, @%s %s", result, vc, neg, negated, pos, vt)
	return result, vc, vd
}

func emitSgnInline(c *Context, arg ast.Expr) (string, types.QBEClass, types.Descriptor) {
	vt, vc, _ := EmitExpr(c, arg)
	isPos := c.W.NewTemp()
	isNeg := c.W.NewTemp()
	zero := "0"
	if vc == types.ClassDouble {
		zero = FormatDouble(0)
	}
	c.W.Emit("%s =w cgt%s %s, %s", isPos, vc, vt, zero)
	c.W.Emit("%s =w clt%s %s, %s", isNeg, vc, vt, zero)
	posVal := c.W.NewTemp()
	c.W.Emit("%s =l extsw %s", posVal, isPos)
	negVal := c.W.NewTemp()
	c.W.Emit("%s =l extsw %s", negVal, isNeg)
	t := c.W.NewTemp()
	c.W.Emit("%s =l sub %s, %s", t, posVal, negVal)
	return t, types.ClassLong, types.LongDesc
}

// emitStrFn implements STR$, which dispatches on its argument's type
// rather than a single fixed runtime entry point (§4.4's promoteToType
// conversion rules: "Integer/Double->String via runtime string_from_int
// / string_from_double").
func emitStrFn(c *Context, arg ast.Expr) (string, types.QBEClass, types.Descriptor) {
	vt, _, vd := EmitExpr(c, arg)
	coerced, _ := promoteTo(c, vt, vd, types.StringDesc)
	return coerced, types.ClassLong, types.StringDesc
}

func emitRuntimeCall(c *Context, runtimeName string, args []ast.Expr) (string, types.QBEClass, types.Descriptor) {
	entry, ok := Lookup(runtimeName)
	if !ok {
		c.errorf("unknown runtime entry point %q", runtimeName)
		t := c.W.NewTemp()
		c.W.Emit("%s =w copy 0", t)
		return t, types.ClassWord, types.IntegerDesc
	}
	argStrs := make([]string, 0, len(args))
	for i, a := range args {
		tmp, _, desc := EmitExpr(c, a)
		wantDesc := descForClass(entry.paramClass(i))
		coerced, _ := promoteTo(c, tmp, desc, wantDesc)
		argStrs = append(argStrs, fmt.Sprintf("%s %s", entry.paramClass(i), coerced))
	}
	if entry.Ret == void {
		c.W.Emit("call $%s(%s)", runtimeName, strings.Join(argStrs, ", "))
		return "0", types.ClassWord, types.VoidDesc
	}
	t := c.W.NewTemp()
	c.W.Emit("%s =%s call $%s(%s)", t, entry.Ret, runtimeName, strings.Join(argStrs, ", "))
	return t, entry.Ret, descForClass(entry.Ret)
}

func (e RuntimeEntry) paramClass(i int) types.QBEClass {
	if i < len(e.Params) {
		return e.Params[i]
	}
	return types.ClassLong
}

func descForClass(cl types.QBEClass) types.Descriptor {
	switch cl {
	case types.ClassWord:
		return types.IntegerDesc
	case types.ClassSingle:
		return types.SingleDesc
	case types.ClassDouble:
		return types.DoubleDesc
	default:
		return types.LongDesc
	}
}

// emitUserCall resolves a user-defined FUNCTION by consulting its CFG for
// parameter/return types (§4.4), coercing each argument via promoteToType.
func emitUserCall(c *Context, n *ast.FunctionCall) (string, types.QBEClass, types.Descriptor) {
	key := strings.ToUpper(n.Name)
	callee, ok := c.Prog.Functions[key]
	if !ok {
		c.errorf("call to undefined function %q", n.Name)
		t := c.W.NewTemp()
		c.W.Emit("%s =w copy 0", t)
		return t, types.ClassWord, types.IntegerDesc
	}
	argStrs := make([]string, 0, len(n.Args))
	for i, a := range n.Args {
		tmp, _, desc := EmitExpr(c, a)
		var want types.Descriptor
		if i < len(callee.Params) {
			want = callee.Params[i].Type
		} else {
			want = desc
		}
		coerced, class := promoteTo(c, tmp, desc, want)
		argStrs = append(argStrs, fmt.Sprintf("%s %s", class, coerced))
	}
	mangled := types.Sanitize(n.Name)
	if callee.ReturnType == types.VoidDesc {
		c.W.Emit("call $%s(%s)", mangled, strings.Join(argStrs, ", "))
		return "0", types.ClassWord, types.VoidDesc
	}
	class := types.QBEType(callee.ReturnType)
	t := c.W.NewTemp()
	c.W.Emit("%s =%s call $%s(%s)", t, class, mangled, strings.Join(argStrs, ", "))
	return t, class, callee.ReturnType
}

// === array / member access ===

// emitArrayAccess implements §4.4's bounds-checked array element access.
// asAddress requests the element's address instead of its loaded value,
// used by LET's array-element assignment path (§4.5).
func emitArrayAccess(c *Context, n *ast.ArrayAccess, asAddress bool) (string, types.QBEClass, types.Descriptor, string) {
	info, err := c.Tbl.LookupArray(n.Name, c.Loc)
	if err != nil {
		c.Sink.Report(err.(*diag.Diagnostic))
		t := c.W.NewTemp()
		c.W.Emit("%s =w copy 0", t)
		return t, types.ClassWord, types.IntegerDesc, t
	}

	descAddr := ArrayDescSymbol(n.Name, c.LegacyDefault)
	dataPtr := c.W.NewTemp()
	c.W.Emit("%s =l loadl %s", dataPtr, descAddr)

	idx, _, idxDesc := EmitExpr(c, n.Indices[0])
	idxLong, _ := promoteTo(c, idx, idxDesc, types.LongDesc)

	loAddr := c.W.NewTemp()
	c.W.Emit("%s =l add %s, 8", loAddr, descAddr)
	lo := c.W.NewTemp()
	c.W.Emit("%s =l loadl %s", lo, loAddr)
	hiAddr := c.W.NewTemp()
	c.W.Emit("%s =l add %s, 16", hiAddr, descAddr)
	hi := c.W.NewTemp()
	c.W.Emit("%s =l loadl %s", hi, hiAddr)

	geLo := c.W.NewTemp()
	c.W.Emit("%s =w csgel %s, %s", geLo, idxLong, lo)
	leHi := c.W.NewTemp()
	c.W.Emit("%s =w cslel %s, %s", leHi, idxLong, hi)
	inBounds := c.W.NewTemp()
	c.W.Emit("%s =w and %s, %s", inBounds, geLo, leHi)

	okLabel := c.W.NewLabel("bounds_ok")
	failLabel := c.W.NewLabel("bounds_fail")
	c.W.Emit("jnz %s, @%s, @%s", inBounds, okLabel, failLabel)
	c.W.Label(failLabel)
	c.W.Emit("call $basic_array_bounds_error(l %s, l %s, l %s)", idxLong, lo, hi)
	c.W.Emit("jmp @%s", okLabel)
	c.W.Label(okLabel)

	elemSize := info.ElemType.Width
	if info.ElemType.Kind == types.UserDefined {
		layout, lerr := c.Tbl.Layout(info.UserType, c.Loc)
		if lerr == nil {
			elemSize = layout.Size
		}
	}
	offsetIdx := c.W.NewTemp()
	c.W.Emit("%s =l sub %s, %s", offsetIdx, idxLong, lo)
	byteOff := c.W.NewTemp()
	c.W.Emit("%s =l mul %s, %d", byteOff, offsetIdx, elemSize)
	addr := c.W.NewTemp()
	c.W.Emit("%s =l add %s, %s", addr, dataPtr, byteOff)

	if asAddress || info.ElemType.Kind == types.UserDefined {
		return addr, types.ClassLong, info.ElemType, addr
	}
	t := c.W.NewTemp()
	c.W.Emit("%s =%s %s %s", t, types.QBEType(info.ElemType), types.QBELoadOp(info.ElemType), addr)
	return t, types.QBEType(info.ElemType), info.ElemType, addr
}

// emitMemberAccess resolves a (possibly chained) record field reference
// (§4.4): the base object's record type is resolved, the member chain
// walked computing cumulative offsets, and a pointer returned for nested
// records or a loaded value for primitive fields.
func emitMemberAccess(c *Context, n *ast.MemberAccess) (string, types.QBEClass, types.Descriptor) {
	addr, field, err := memberAddress(c, n)
	if err != nil {
		c.Sink.Report(err.(*diag.Diagnostic))
		t := c.W.NewTemp()
		c.W.Emit("%s =w copy 0", t)
		return t, types.ClassWord, types.IntegerDesc
	}
	if field.Type.Kind == types.UserDefined {
		return addr, types.ClassLong, field.Type
	}
	t := c.W.NewTemp()
	c.W.Emit("%s =%s %s %s", t, types.QBEType(field.Type), types.QBELoadOp(field.Type), addr)
	return t, types.QBEType(field.Type), field.Type
}

// memberAddress computes the final field address for a (possibly
// chained) member access, returning the resolved Field for its type.
func memberAddress(c *Context, n *ast.MemberAccess) (string, symtab.Field, error) {
	baseTypeName, baseAddr, err := baseRecordAddress(c, n.Obj)
	if err != nil {
		return "", symtab.Field{}, err
	}
	field, err := c.Tbl.FieldType(baseTypeName, n.Member, c.Loc)
	if err != nil {
		return "", symtab.Field{}, err
	}
	layout, err := c.Tbl.Layout(baseTypeName, c.Loc)
	if err != nil {
		return "", symtab.Field{}, err
	}
	t := c.W.NewTemp()
	c.W.Emit("%s =l add %s, %d", t, baseAddr, layout.Offsets[field.Name])
	return t, field, nil
}

// baseRecordAddress resolves the address of the record the member chain
// starts from: a plain variable, an array element, or a nested
// MemberAccess.
func baseRecordAddress(c *Context, e ast.Expr) (string, string, error) {
	switch n := e.(type) {
	case *ast.Variable:
		typeName, err := c.Tbl.UserDefinedTypeOf(n.Name, c.Loc)
		if err != nil {
			return "", "", err
		}
		mangled := types.Mangle(n.Name, c.LegacyDefault)
		return typeName, "%var_" + mangled, nil
	case *ast.ArrayAccess:
		typeName, err := c.Tbl.UserDefinedTypeOf(n.Name, c.Loc)
		if err != nil {
			return "", "", err
		}
		_, _, _, addr := emitArrayAccess(c, n, true)
		return typeName, addr, nil
	case *ast.MemberAccess:
		addr, field, err := memberAddress(c, n)
		if err != nil {
			return "", "", err
		}
		return field.NestedType, addr, nil
	default:
		return "", "", diag.CodegenError(c.diagLoc(), "unsupported record base expression %T", e)
	}
}
