package codegen

import (
	"fmt"

	"github.com/fasterbasic/fbc/internal/ast"
	"github.com/fasterbasic/fbc/internal/diag"
	"github.com/fasterbasic/fbc/internal/types"
)

// symOffset returns an address temp for sym+off, or sym itself when off is
// zero (DIM/REDIM/ERASE's descriptor field writers all go through this
// rather than inline `$sym+N` operands, matching emitVariable's
// add-then-load convention for $__global_vector).
func symOffset(c *Context, sym string, off int) string {
	if off == 0 {
		return sym
	}
	t := c.W.NewTemp()
	c.W.Emit("%s =l add %s, %d", t, sym, off)
	return t
}

// EmitArrayDescriptor writes one static, zero/sentinel-initialized 64-byte
// dope vector object (§3.5: "Initial state: data pointer null, upper
// bounds -1, element size 0, dimension count 0"). Array descriptors live
// in static storage for the whole program rather than a routine's stack
// frame — FasterBASIC has no recursion, so one descriptor per declared
// array name, global or routine-local, is sufficient.
func EmitArrayDescriptor(w *Writer, sym string) {
	fmt.Fprintf(&w.buf, "data %s = { l 0, l 0, l -1, l 0, l -1, l 0, w 0, w 0, b 0, z 7 }\n", sym)
}

func elementSize(c *Context, elemType types.Descriptor, userType string) int {
	if elemType.Kind == types.UserDefined {
		if layout, err := c.Tbl.Layout(userType, c.Loc); err == nil {
			return layout.Size
		}
	}
	return elemType.Width
}

func typeSuffixChar(desc types.Descriptor) int64 {
	switch desc.Kind {
	case types.Integer, types.UInteger:
		return '%'
	case types.Long, types.ULong:
		return '&'
	case types.Single:
		return '!'
	case types.Double:
		return '#'
	case types.String, types.Unicode:
		return '$'
	case types.Byte, types.UByte:
		return '@'
	case types.Short, types.UShort:
		return '^'
	default:
		return 0
	}
}

// emitBound evaluates one DIM/REDIM bound expression, defaulting to def
// when the bound was omitted (§3.1: an omitted lower bound takes the
// OPTION BASE value; this emitter treats OPTION BASE as fixed at 0, since
// the consumed AST carries no OPTION BASE statement of its own).
func emitBound(c *Context, e ast.Expr, def int64) string {
	if e == nil {
		return fmt.Sprintf("%d", def)
	}
	tmp, _, desc := EmitExpr(c, e)
	coerced, _ := promoteTo(c, tmp, desc, types.LongDesc)
	return coerced
}

func emitDim(c *Context, n *ast.Dim, re *RoutineEmitter) {
	for _, decl := range n.Decls {
		emitArrayAlloc(c, decl)
		if re != nil && re.C.CurrentFunc != "" {
			re.localArrays = append(re.localArrays, decl.Name)
		}
	}
}

func emitArrayAlloc(c *Context, decl ast.ArrayDecl) {
	sym := ArrayDescSymbol(decl.Name, c.LegacyDefault)
	elemSize := elementSize(c, decl.ElemType, decl.UserType)

	lo1 := emitBound(c, decl.Dims[0].Lower, 0)
	hi1 := emitBound(c, decl.Dims[0].Upper, 0)
	count := spanPlusOne(c, lo1, hi1)
	lo2, hi2, dimCount := "0", "-1", int64(1)
	if len(decl.Dims) > 1 {
		lo2 = emitBound(c, decl.Dims[1].Lower, 0)
		hi2 = emitBound(c, decl.Dims[1].Upper, 0)
		count2 := spanPlusOne(c, lo2, hi2)
		total := c.W.NewTemp()
		c.W.Emit("%s =l mul %s, %s", total, count, count2)
		count = total
		dimCount = 2
	}

	bytes := c.W.NewTemp()
	c.W.Emit("%s =l mul %s, %d", bytes, count, elemSize)
	ptr := c.W.NewTemp()
	c.W.Emit("%s =l call $malloc(l %s)", ptr, bytes)
	c.W.Emit("call $memset(l %s, w 0, l %s)", ptr, bytes)

	c.W.Emit("storel %s, %s", ptr, sym)
	c.W.Emit("storel %s, %s", lo1, symOffset(c, sym, 8))
	c.W.Emit("storel %s, %s", hi1, symOffset(c, sym, 16))
	c.W.Emit("storel %s, %s", lo2, symOffset(c, sym, 24))
	c.W.Emit("storel %s, %s", hi2, symOffset(c, sym, 32))
	c.W.Emit("storel %d, %s", elemSize, symOffset(c, sym, 40))
	c.W.Emit("storew %d, %s", dimCount, symOffset(c, sym, 48))
	c.W.Emit("storew 0, %s", symOffset(c, sym, 52))
	c.W.Emit("storeb %d, %s", typeSuffixChar(decl.ElemType), symOffset(c, sym, 56))
}

func spanPlusOne(c *Context, lo, hi string) string {
	span := c.W.NewTemp()
	c.W.Emit("%s =l sub %s, %s", span, hi, lo)
	count := c.W.NewTemp()
	c.W.Emit("%s =l add %s, 1", count, span)
	return count
}

// emitRedim implements REDIM [PRESERVE] (§4.5). The PRESERVE path only
// relays the first dimension's new bound through realloc — a REDIM
// PRESERVE of a two-dimensional array would need an element-by-element
// copy to relocate rows, which is out of scope here; ERASE/fresh DIM of a
// 2-D array is unaffected.
func emitRedim(c *Context, n *ast.Redim) {
	sym := ArrayDescSymbol(n.Name, c.LegacyDefault)
	info, err := c.Tbl.LookupArray(n.Name, c.Loc)
	if err != nil {
		c.Sink.Report(err.(*diag.Diagnostic))
		return
	}
	elemSize := elementSize(c, info.ElemType, info.UserType)

	if !n.Preserve {
		c.W.Emit("call $array_descriptor_erase(l %s)", sym)
	}

	lo1 := emitBound(c, n.Dims[0].Lower, 0)
	hi1 := emitBound(c, n.Dims[0].Upper, 0)
	count := spanPlusOne(c, lo1, hi1)
	bytes := c.W.NewTemp()
	c.W.Emit("%s =l mul %s, %d", bytes, count, elemSize)

	var ptr string
	if n.Preserve {
		oldLo := c.W.NewTemp()
		c.W.Emit("%s =l loadl %s", oldLo, symOffset(c, sym, 8))
		oldHi := c.W.NewTemp()
		c.W.Emit("%s =l loadl %s", oldHi, symOffset(c, sym, 16))
		oldCount := spanPlusOne(c, oldLo, oldHi)
		oldBytes := c.W.NewTemp()
		c.W.Emit("%s =l mul %s, %d", oldBytes, oldCount, elemSize)

		oldPtr := c.W.NewTemp()
		c.W.Emit("%s =l loadl %s", oldPtr, sym)
		ptr = c.W.NewTemp()
		c.W.Emit("%s =l call $realloc(l %s, l %s)", ptr, oldPtr, bytes)

		// Zero-fill any new tail (§4.5): realloc leaves grown memory
		// uninitialized, so a subsequent read of an index past the old
		// upper bound would see heap garbage instead of BASIC's default
		// zero value.
		growBy := c.W.NewTemp()
		c.W.Emit("%s =l sub %s, %s", growBy, bytes, oldBytes)
		grew := c.W.NewTemp()
		c.W.Emit("%s =w csgtl %s, 0", grew, growBy)
		zeroTail := c.W.NewLabel("redim_zero_tail")
		noZeroTail := c.W.NewLabel("redim_no_zero_tail")
		c.W.Emit("jnz %s, @%s, @%s", grew, zeroTail, noZeroTail)
		c.W.Label(zeroTail)
		tailPtr := c.W.NewTemp()
		c.W.Emit("%s =l add %s, %s", tailPtr, ptr, oldBytes)
		c.W.Emit("call $memset(l %s, w 0, l %s)", tailPtr, growBy)
		c.W.Emit("jmp @%s", noZeroTail)
		c.W.Label(noZeroTail)
	} else {
		ptr = c.W.NewTemp()
		c.W.Emit("%s =l call $malloc(l %s)", ptr, bytes)
		c.W.Emit("call $memset(l %s, w 0, l %s)", ptr, bytes)
	}

	c.W.Emit("storel %s, %s", ptr, sym)
	c.W.Emit("storel %s, %s", lo1, symOffset(c, sym, 8))
	c.W.Emit("storel %s, %s", hi1, symOffset(c, sym, 16))
	c.W.Emit("storel %d, %s", elemSize, symOffset(c, sym, 40))
	c.W.Emit("storew 1, %s", symOffset(c, sym, 48))
}

func emitErase(c *Context, n *ast.Erase) {
	for _, name := range n.Names {
		sym := ArrayDescSymbol(name, c.LegacyDefault)
		c.W.Emit("call $array_descriptor_erase(l %s)", sym)
	}
}

// freeLocalArray releases the heap buffer a routine-local array's
// descriptor points to, called from the routine's tidy exit (§4.5 DIM:
// "local arrays tracked, freed at tidy_exit").
func freeLocalArray(c *Context, name string) {
	sym := ArrayDescSymbol(name, c.LegacyDefault)
	ptr := c.W.NewTemp()
	c.W.Emit("%s =l loadl %s", ptr, sym)
	c.W.Emit("call $free(l %s)", ptr)
}
