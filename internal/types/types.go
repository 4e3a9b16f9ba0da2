// Package types implements the FasterBASIC type descriptor and name
// mangler (component C1): mapping source type annotations and suffixes to
// a canonical descriptor, and mangling identifiers for codegen stability.
package types

import "strings"

// BaseKind is the base kind of a type descriptor.
type BaseKind int

const (
	Byte BaseKind = iota
	UByte
	Short
	UShort
	Integer
	UInteger
	Long
	ULong
	Single
	Double
	String
	Unicode
	Pointer
	UserDefined
	Unknown
	Void
)

func (k BaseKind) String() string {
	switch k {
	case Byte:
		return "BYTE"
	case UByte:
		return "UBYTE"
	case Short:
		return "SHORT"
	case UShort:
		return "USHORT"
	case Integer:
		return "INTEGER"
	case UInteger:
		return "UINTEGER"
	case Long:
		return "LONG"
	case ULong:
		return "ULONG"
	case Single:
		return "SINGLE"
	case Double:
		return "DOUBLE"
	case String:
		return "STRING"
	case Unicode:
		return "UNICODE"
	case Pointer:
		return "POINTER"
	case UserDefined:
		return "USERDEFINED"
	case Void:
		return "VOID"
	default:
		return "UNKNOWN"
	}
}

// Descriptor is the single canonical type representation (§9 design note:
// no parallel legacy-kind field is stored alongside it — LegacyKind is a
// pure function of this struct, derived on demand).
type Descriptor struct {
	Kind     BaseKind
	Width    int // 1, 2, 4, or 8 bytes
	Signed   bool
	TypeName string // populated only when Kind == UserDefined
}

// Unknown0 is the zero descriptor used only as a sentinel before a
// variable's first use is resolved; it is never written into the symbol
// table (§3.3 invariant: "never insert with Unknown").
var Unknown0 = Descriptor{Kind: Unknown}

func d(kind BaseKind, width int, signed bool) Descriptor {
	return Descriptor{Kind: kind, Width: width, Signed: signed}
}

// Primitive descriptors, built once.
var (
	ByteDesc    = d(Byte, 1, true)
	UByteDesc   = d(UByte, 1, false)
	ShortDesc   = d(Short, 2, true)
	UShortDesc  = d(UShort, 2, false)
	IntegerDesc = d(Integer, 4, true)
	UIntDesc    = d(UInteger, 4, false)
	LongDesc    = d(Long, 8, true)
	ULongDesc   = d(ULong, 8, false)
	SingleDesc  = d(Single, 4, true)
	DoubleDesc  = d(Double, 8, true)
	StringDesc  = d(String, 8, false)
	UnicodeDesc = d(Unicode, 8, false)
	PointerDesc = d(Pointer, 8, false)
	VoidDesc    = d(Void, 0, false)
)

// UserDefinedDesc builds a descriptor for a named record type. Width must
// be filled in by the caller once record layout (component C2) has been
// computed; it is not known to this package.
func UserDefinedDesc(name string, width int) Descriptor {
	return Descriptor{Kind: UserDefined, TypeName: name, Width: width}
}

// IsNumeric reports whether the descriptor is one of the integer or
// floating-point base kinds.
func (d Descriptor) IsNumeric() bool {
	switch d.Kind {
	case Byte, UByte, Short, UShort, Integer, UInteger, Long, ULong, Single, Double:
		return true
	}
	return false
}

// IsInteger reports whether the descriptor is one of the integer base kinds.
func (d Descriptor) IsInteger() bool {
	switch d.Kind {
	case Byte, UByte, Short, UShort, Integer, UInteger, Long, ULong:
		return true
	}
	return false
}

// IsFloat reports whether the descriptor is Single or Double.
func (d Descriptor) IsFloat() bool {
	return d.Kind == Single || d.Kind == Double
}

// IsStringLike reports whether the descriptor is String or Unicode.
func (d Descriptor) IsStringLike() bool {
	return d.Kind == String || d.Kind == Unicode
}

// LegacyKind is the back-compat eight-way classification {Int, Float,
// Double, String, Unicode, UserDefined, Unknown, Void} kept only because
// diagnostic text and dump modes read better with it (§9). It MUST be
// derived, never stored, so it can never drift from the canonical
// descriptor the way the original dual representation did.
type LegacyKind int

const (
	LegacyInt LegacyKind = iota
	LegacyFloat
	LegacyDouble
	LegacyString
	LegacyUnicode
	LegacyUserDefined
	LegacyUnknown
	LegacyVoid
)

// LegacyKind derives the legacy enum value from the canonical descriptor.
func (d Descriptor) LegacyKind() LegacyKind {
	switch d.Kind {
	case Byte, UByte, Short, UShort, Integer, UInteger, Long, ULong:
		return LegacyInt
	case Single:
		return LegacyFloat
	case Double:
		return LegacyDouble
	case String:
		return LegacyString
	case Unicode:
		return LegacyUnicode
	case UserDefined:
		return LegacyUserDefined
	case Void:
		return LegacyVoid
	default:
		return LegacyUnknown
	}
}

// suffixTable maps a type-suffix character (§3.1) to its base descriptor.
var suffixTable = map[byte]Descriptor{
	'%': IntegerDesc,
	'&': LongDesc,
	'!': SingleDesc,
	'#': DoubleDesc,
	'$': StringDesc,
	'@': ByteDesc,
	'^': ShortDesc,
}

// DescriptorFromSuffix maps a type suffix character to its descriptor. It
// reports ok=false for any character that is not a recognized suffix.
func DescriptorFromSuffix(suffix byte) (Descriptor, bool) {
	desc, ok := suffixTable[suffix]
	return desc, ok
}

// keywordTable maps a type keyword (as it appears in DIM/AS clauses) to its
// descriptor, case-insensitively.
var keywordTable = map[string]Descriptor{
	"BYTE":     ByteDesc,
	"UBYTE":    UByteDesc,
	"SHORT":    ShortDesc,
	"USHORT":   UShortDesc,
	"INTEGER":  IntegerDesc,
	"UINTEGER": UIntDesc,
	"LONG":     LongDesc,
	"ULONG":    ULongDesc,
	"SINGLE":   SingleDesc,
	"DOUBLE":   DoubleDesc,
	"STRING":   StringDesc,
}

// DescriptorFromKeyword maps a BASIC type keyword to its descriptor.
func DescriptorFromKeyword(keyword string) (Descriptor, bool) {
	desc, ok := keywordTable[strings.ToUpper(keyword)]
	return desc, ok
}

// suffixMangleTable maps a suffix character to the mangled-name token
// appended in its place (§3.2).
var suffixMangleTable = map[byte]string{
	'%': "_INT",
	'&': "_LONG",
	'!': "_FLOAT",
	'#': "_DOUBLE",
	'$': "_STRING",
	'@': "_BYTE",
	'^': "_SHORT",
}

// unitDefaultMangle is the mangle token applied to an unsuffixed name,
// dependent on the compilation unit's configured default type (§3.1, §9
// open question #1). The driver passes the live default in; this package
// has no global state of its own.
func unitDefaultMangle(legacyDefault bool) string {
	if legacyDefault {
		return "_FLOAT"
	}
	return "_DOUBLE"
}

// alreadyMangled reports whether name already ends in one of the mangle
// tokens, so Mangle stays idempotent (testable property #1 in spec.md §8).
func alreadyMangled(name string) bool {
	for _, tok := range suffixMangleTable {
		if strings.HasSuffix(name, tok) {
			return true
		}
	}
	return strings.HasSuffix(name, "_DOUBLE") || strings.HasSuffix(name, "_UBYTE") ||
		strings.HasSuffix(name, "_USHORT")
}

// Mangle mangles an identifier for use as a QBE name. If the identifier
// ends in a recognized type suffix character, that suffix is replaced by
// its mangle token (§3.2); otherwise the unit default token is appended.
// Mangle is idempotent: an already-mangled name is returned unchanged.
func Mangle(name string, legacyDefault bool) string {
	if name == "" {
		return name
	}
	if alreadyMangled(name) {
		return Sanitize(name)
	}
	last := name[len(name)-1]
	if tok, ok := suffixMangleTable[last]; ok {
		return Sanitize(name[:len(name)-1]) + tok
	}
	return Sanitize(name) + unitDefaultMangle(legacyDefault)
}

// Sanitize replaces every character outside [A-Za-z0-9_] with '_', so the
// result is always a valid QBE identifier component (§3.2, §4.1). It is
// applied to every synthesized auxiliary name (step_<var>, end_<var>,
// foreach_idx_<var>, ...) as well as to Mangle's own output.
func Sanitize(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '_':
			b.WriteByte(c)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// QBEClass is the QBE ABI class granularity: "w", "l", "s", or "d".
type QBEClass string

const (
	ClassWord   QBEClass = "w"
	ClassLong   QBEClass = "l"
	ClassSingle QBEClass = "s"
	ClassDouble QBEClass = "d"
)

// QBEType returns the primitive ABI class for a descriptor (§4.1): 1/2/4-
// byte integers and Integer use "w"; Long/String/Unicode/Pointer/
// UserDefined use "l"; Single uses "s"; Double uses "d".
func QBEType(desc Descriptor) QBEClass {
	switch desc.Kind {
	case Byte, UByte, Short, UShort, Integer, UInteger:
		return ClassWord
	case Long, ULong, String, Unicode, Pointer, UserDefined:
		return ClassLong
	case Single:
		return ClassSingle
	case Double:
		return ClassDouble
	default:
		return ClassWord
	}
}

// QBELoadOp returns the load suffix that performs correct sign/zero
// extension for the descriptor's width and signedness (§4.1).
func QBELoadOp(desc Descriptor) string {
	switch desc.Kind {
	case Byte:
		return "loadsb"
	case UByte:
		return "loadub"
	case Short:
		return "loadsh"
	case UShort:
		return "loaduh"
	case Integer, UInteger:
		return "loadsw"
	case Long, ULong, String, Unicode, Pointer, UserDefined:
		return "loadl"
	case Single:
		return "loads"
	case Double:
		return "loadd"
	default:
		return "loadl"
	}
}

// QBEStoreOp returns the narrow store op for the descriptor's width (§4.1).
func QBEStoreOp(desc Descriptor) string {
	switch desc.Kind {
	case Byte, UByte:
		return "storeb"
	case Short, UShort:
		return "storeh"
	case Integer, UInteger:
		return "storew"
	case Long, ULong, String, Unicode, Pointer, UserDefined:
		return "storel"
	case Single:
		return "stores"
	case Double:
		return "stored"
	default:
		return "storel"
	}
}

// NaturalAlignment returns the alignment a field of this descriptor
// requires within a record (§3.4): equal to width for primitives, 8 for
// pointers and nested records.
func NaturalAlignment(desc Descriptor, nestedRecordAlign int) int {
	switch desc.Kind {
	case String, Unicode, Pointer:
		return 8
	case UserDefined:
		if nestedRecordAlign > 0 {
			return nestedRecordAlign
		}
		return 8
	default:
		if desc.Width == 0 {
			return 1
		}
		return desc.Width
	}
}
