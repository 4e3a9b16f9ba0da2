// Package codegen implements the FasterBASIC expression/statement
// emitter and runtime ABI table (components C4, C5, C6): lowering a
// CFG (internal/cfg) plus a symbol table (internal/symtab) into textual
// QBE IL (spec §4.4-§4.6, §6.2-§6.3).
package codegen

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/fasterbasic/fbc/internal/types"
)

// Writer accumulates one QBE function or data object's textual body,
// tracking the monotonic temporary/label counters a single compilation
// unit owns (spec §5: "the SSA temporary counter and label counter are
// monotonically increasing; allocations are not reclaimed").
type Writer struct {
	buf      strings.Builder
	tempNum  int
	labelNum int
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer { return &Writer{} }

// NewTemp allocates a fresh SSA temporary name (§6.2: "%t<N>, N monotonic
// per function"). The driver resets the counter per function by handing
// out a fresh Writer per routine.
func (w *Writer) NewTemp() string {
	w.tempNum++
	return fmt.Sprintf("%%t%d", w.tempNum)
}

// NewLabel allocates a fresh block-local label with a descriptive prefix,
// used for the inline labels a single-line IF or ON...GOTO dispatch chain
// synthesizes within one block (§4.5).
func (w *Writer) NewLabel(prefix string) string {
	w.labelNum++
	return fmt.Sprintf("%s_%d", prefix, w.labelNum)
}

// Emit appends one indented instruction line.
func (w *Writer) Emit(format string, args ...interface{}) {
	w.buf.WriteByte('\t')
	fmt.Fprintf(&w.buf, format, args...)
	w.buf.WriteByte('\n')
}

// Label starts a new block with the given label (no leading '@' or
// trailing ':' — callers pass the bare name).
func (w *Writer) Label(name string) {
	fmt.Fprintf(&w.buf, "@%s\n", name)
}

// Raw appends text verbatim, with no added indentation or newline.
func (w *Writer) Raw(s string) { w.buf.WriteString(s) }

// Comment emits a `# ...` diagnostic comment line (§7: codegen-internal
// errors are surfaced as an IL comment plus a safe placeholder rather
// than aborting emission).
func (w *Writer) Comment(format string, args ...interface{}) {
	w.buf.WriteByte('\t')
	w.buf.WriteString("# ")
	fmt.Fprintf(&w.buf, format, args...)
	w.buf.WriteByte('\n')
}

// String returns the accumulated text.
func (w *Writer) String() string { return w.buf.String() }

// FormatDouble renders a float64 as a QBE double literal in the
// `d_<fixed-point>` form §6.2/§4.7 mandate — never exponential notation.
func FormatDouble(v float64) string {
	return "d_" + strconv.FormatFloat(v, 'f', -1, 64)
}

// FormatSingle renders a float32-precision value as `s_<fixed-point>`.
func FormatSingle(v float64) string {
	return "s_" + strconv.FormatFloat(v, 'f', -1, 32)
}

// EscapeBytes escapes a string literal's bytes per §6.2: `\n \r \t \\ \"`
// get their short escape, any byte outside the printable ASCII range
// `[32,127)` becomes `\xHH`.
func EscapeBytes(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		case '\\':
			b.WriteString(`\\`)
		case '"':
			b.WriteString(`\"`)
		default:
			if c < 32 || c >= 127 {
				fmt.Fprintf(&b, `\x%02X`, c)
			} else {
				b.WriteByte(c)
			}
		}
	}
	return b.String()
}

// StringPool interns string literals so duplicates share one `$data_str.N`
// symbol (spec §5: "the string literal pool is append-only; duplicates
// are coalesced").
type StringPool struct {
	order []string
	index map[string]int
}

// NewStringPool returns an empty pool.
func NewStringPool() *StringPool {
	return &StringPool{index: map[string]int{}}
}

// Intern returns the symbol name for s, allocating a new slot only the
// first time s is seen.
func (p *StringPool) Intern(s string) string {
	if n, ok := p.index[s]; ok {
		return fmt.Sprintf("$data_str.%d", n)
	}
	n := len(p.order)
	p.order = append(p.order, s)
	p.index[s] = n
	return fmt.Sprintf("$data_str.%d", n)
}

// Emit writes one `data $data_str.N = { b "...", b 0 }` object per
// interned literal, in allocation order, to w.
func (p *StringPool) Emit(w *Writer) {
	for i, s := range p.order {
		fmt.Fprintf(&w.buf, "data $data_str.%d = { b \"%s\", b 0 }\n", i, EscapeBytes(s))
	}
}

// classOf is a convenience alias kept local to this package so
// call sites read `classOf(desc)` rather than reaching into internal/types
// for every use; it is the same lookup as types.QBEType.
func classOf(desc types.Descriptor) types.QBEClass { return types.QBEType(desc) }
