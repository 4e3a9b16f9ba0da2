// Package symtab implements the FasterBASIC symbol table (component C2):
// a scope-aware, mangled-name-keyed collection of variable, array,
// constant, function and record-type maps, plus record layout
// computation (spec §3.3, §3.4, §4.2).
package symtab

import (
	"sort"
	"strings"

	"github.com/samber/lo"

	"github.com/fasterbasic/fbc/internal/ast"
	"github.com/fasterbasic/fbc/internal/diag"
	"github.com/fasterbasic/fbc/internal/types"
)

// VariableInfo is one entry of the variables map (§3.3).
type VariableInfo struct {
	Type       types.Descriptor
	IsGlobal   bool
	GlobalSlot int // meaningful only when IsGlobal; index into $__global_vector
	FirstUse   ast.Location
}

// ArrayInfo is one entry of the arrays map (§3.3). Bounds are carried as
// expressions because DIM allows runtime-computed bounds; the fixed
// 64-byte dope vector (§3.5) is what actually enforces bounds at run
// time — this struct only remembers how the array was declared.
type ArrayInfo struct {
	ElemType types.Descriptor
	UserType string // non-"" when ElemType.Kind == types.UserDefined
	Dims     []ast.DimSpec
}

// ConstKind mirrors ast.ConstKind for the inlined-constant value stored
// in the symbol table (§3.3: "Constants ... have no runtime storage").
type ConstKind = ast.ConstKind

// ConstantInfo is one entry of the constants map, looked up
// case-insensitively (§3.3).
type ConstantInfo struct {
	Kind   ConstKind
	IValue int64
	DValue float64
	SValue string
}

// FunctionInfo is one entry of the functions map (§3.3). SUBs are
// recorded with ReturnType == types.VoidDesc and IsSub == true.
type FunctionInfo struct {
	ReturnType types.Descriptor
	ParamTypes []types.Descriptor
	IsSub      bool
}

// Field is one laid-out field of a record type.
type Field struct {
	Name       string
	Type       types.Descriptor
	NestedType string
	IsBuiltIn  bool
	Offset     int
}

// RecordType is the ordered field list as declared (§3.3); Layout
// computes and caches the concrete offsets (§3.4).
type RecordType struct {
	Name   string
	Fields []Field
}

// Layout is the cached, computed size/alignment/offsets for one record
// type (§3.4).
type Layout struct {
	Size    int
	Align   int
	Offsets map[string]int // field name -> byte offset
}

// Scope holds the per-routine variable/array maps (§3.3); the global
// scope has no parent. Constants, functions, record types and labels are
// not scoped — they are program-wide, per §3.3's flat "collection of
// maps" description; only variables/arrays distinguish global vs. local
// storage (driven by the ast.Global/ast.Local/ast.Shared statements).
type Scope struct {
	parent    *Scope
	variables map[string]*VariableInfo
	arrays    map[string]*ArrayInfo
}

func newScope(parent *Scope) *Scope {
	return &Scope{parent: parent, variables: map[string]*VariableInfo{}, arrays: map[string]*ArrayInfo{}}
}

// Table is the complete symbol table for one compilation unit.
type Table struct {
	global        *Scope
	current       *Scope
	constants     map[string]*ConstantInfo // keyed lowercase
	functions     map[string]*FunctionInfo
	records       map[string]*RecordType
	layouts       map[string]*Layout
	labels        map[string]int
	routines      map[string]*Scope // named, persistent per-routine scopes
	legacyDefault bool
	nextSlot      int
}

// New returns an empty symbol table. legacyDefault selects the
// compilation unit's default numeric type for unsuffixed identifiers
// (§3.1, §9 open question #1): false = Double (modern), true = Single.
func New(legacyDefault bool) *Table {
	g := newScope(nil)
	return &Table{
		global:        g,
		current:       g,
		constants:     map[string]*ConstantInfo{},
		functions:     map[string]*FunctionInfo{},
		records:       map[string]*RecordType{},
		layouts:       map[string]*Layout{},
		labels:        map[string]int{},
		routines:      map[string]*Scope{},
		legacyDefault: legacyDefault,
	}
}

// PushScope enters a new local scope (a FUNCTION/SUB body). The new
// scope's parent is the global scope, not the caller's scope — FasterBASIC
// routines see globals and their own locals, never an enclosing routine's
// locals (BASIC has no nested routines).
func (t *Table) PushScope() { t.current = newScope(t.global) }

// EnterScope switches to name's persistent routine scope, creating it on
// first entry. Populate() enters a routine's scope once to declare its
// LOCAL/DIM names; the driver re-enters the same name before emitting
// that routine's body, so the declarations Populate recorded are still
// there for LookupVariable/LookupArray to find. Unlike PushScope (which
// hands out a fresh, throwaway scope every call), EnterScope is keyed by
// name precisely so the two passes share state.
func (t *Table) EnterScope(name string) {
	key := strings.ToUpper(name)
	sc, ok := t.routines[key]
	if !ok {
		sc = newScope(t.global)
		t.routines[key] = sc
	}
	t.current = sc
}

// ExitScope returns to the global scope.
func (t *Table) ExitScope() { t.current = t.global }

// PopScope returns to the global scope.
func (t *Table) PopScope() { t.current = t.global }

// kindConflict reports whether name is already declared as some OTHER
// kind of entity in the given scope or program-wide, violating §3.3's
// "at most one of {variables, arrays, constants, functions}" invariant.
func (t *Table) kindConflict(scope *Scope, name string) bool {
	if _, ok := scope.arrays[name]; ok {
		return true
	}
	if _, ok := t.functions[name]; ok {
		return true
	}
	if _, ok := t.constants[strings.ToLower(name)]; ok {
		return true
	}
	return false
}

// DeclareVariable inserts name with an explicit descriptor (DIM/LOCAL/
// GLOBAL/parameter declaration). A conflicting redeclaration (same name,
// different type, or a name already used as an array/constant/function)
// is a TypeError.
func (t *Table) DeclareVariable(name string, desc types.Descriptor, isGlobal bool, loc ast.Location) (*VariableInfo, error) {
	scope := t.current
	if isGlobal {
		scope = t.global
	}
	if existing, ok := scope.variables[name]; ok {
		if existing.Type != desc {
			return nil, diag.TypeError(diag.Location{File: loc.File, Line: loc.Line},
				"%q redeclared with a conflicting type", name)
		}
		return existing, nil
	}
	if t.kindConflict(scope, name) {
		return nil, diag.TypeError(diag.Location{File: loc.File, Line: loc.Line},
			"%q is already declared as a different kind of symbol", name)
	}
	info := &VariableInfo{Type: desc, IsGlobal: isGlobal, FirstUse: loc}
	if isGlobal {
		info.GlobalSlot = t.nextSlot
		t.nextSlot++
	}
	scope.variables[name] = info
	return info, nil
}

// LookupVariable resolves name, inserting it via implicit first-use
// declaration (§3.3, §4.2) if it is not already known anywhere visible.
// The inferred descriptor comes from the name's suffix or, absent one,
// the unit default — it is never Unknown.
func (t *Table) LookupVariable(name string, loc ast.Location) (*VariableInfo, error) {
	if info, ok := t.current.variables[name]; ok {
		return info, nil
	}
	if t.current != t.global {
		if info, ok := t.global.variables[name]; ok {
			return info, nil
		}
	}
	if t.kindConflict(t.current, name) {
		return nil, diag.TypeError(diag.Location{File: loc.File, Line: loc.Line},
			"%q is already declared as a different kind of symbol", name)
	}
	desc := t.inferSuffixType(name)
	return t.DeclareVariable(name, desc, false, loc)
}

// inferSuffixType infers a descriptor from a name's trailing type suffix
// character, falling back to the compilation unit's default (§3.1).
func (t *Table) inferSuffixType(name string) types.Descriptor {
	if name != "" {
		if desc, ok := types.DescriptorFromSuffix(name[len(name)-1]); ok {
			return desc
		}
	}
	if t.legacyDefault {
		return types.SingleDesc
	}
	return types.DoubleDesc
}

// DeclareLocal inserts a LOCAL-declared name with its suffix-inferred
// type (§4.5 LOCAL: "forces a local declaration even if a same-named
// global exists").
func (t *Table) DeclareLocal(name string, loc ast.Location) (*VariableInfo, error) {
	return t.DeclareVariable(name, t.inferSuffixType(name), false, loc)
}

// DeclareArray inserts an array entry (DIM/REDIM).
func (t *Table) DeclareArray(name string, info ArrayInfo, isGlobal bool, loc ast.Location) (*ArrayInfo, error) {
	scope := t.current
	if isGlobal {
		scope = t.global
	}
	if _, ok := scope.variables[name]; ok {
		return nil, diag.TypeError(diag.Location{File: loc.File, Line: loc.Line},
			"%q is already declared as a variable", name)
	}
	if _, ok := t.functions[name]; ok {
		return nil, diag.TypeError(diag.Location{File: loc.File, Line: loc.Line},
			"%q is already declared as a function", name)
	}
	cp := info
	scope.arrays[name] = &cp
	return &cp, nil
}

// LookupArray resolves an array name, searching the current scope then
// the global scope.
func (t *Table) LookupArray(name string, loc ast.Location) (*ArrayInfo, error) {
	if info, ok := t.current.arrays[name]; ok {
		return info, nil
	}
	if t.current != t.global {
		if info, ok := t.global.arrays[name]; ok {
			return info, nil
		}
	}
	return nil, diag.TypeError(diag.Location{File: loc.File, Line: loc.Line}, "array %q is not declared", name)
}

// ArrayElementType returns the element descriptor's width-bearing
// descriptor for name, used by codegen as the per-element stride
// (§3.3 invariant: "elementTypeDesc.width is the element stride").
func (t *Table) ArrayElementType(name string, loc ast.Location) (types.Descriptor, error) {
	info, err := t.LookupArray(name, loc)
	if err != nil {
		return types.Unknown0, err
	}
	return info.ElemType, nil
}

// DeclareConstant inserts a constant, keyed case-insensitively (§3.3).
func (t *Table) DeclareConstant(name string, info ConstantInfo, loc ast.Location) error {
	key := strings.ToLower(name)
	if _, ok := t.constants[key]; ok {
		return diag.TypeError(diag.Location{File: loc.File, Line: loc.Line}, "constant %q redeclared", name)
	}
	if _, ok := t.global.variables[name]; ok {
		return diag.TypeError(diag.Location{File: loc.File, Line: loc.Line}, "%q is already declared as a variable", name)
	}
	cp := info
	t.constants[key] = &cp
	return nil
}

// LookupConstant resolves a constant case-insensitively.
func (t *Table) LookupConstant(name string) (*ConstantInfo, bool) {
	info, ok := t.constants[strings.ToLower(name)]
	return info, ok
}

// DeclareFunction inserts a function/SUB signature.
func (t *Table) DeclareFunction(name string, info FunctionInfo, loc ast.Location) error {
	if _, ok := t.functions[name]; ok {
		return diag.TypeError(diag.Location{File: loc.File, Line: loc.Line}, "function %q redeclared", name)
	}
	cp := info
	t.functions[name] = &cp
	return nil
}

// LookupFunction resolves a function/SUB signature by name.
func (t *Table) LookupFunction(name string) (*FunctionInfo, bool) {
	info, ok := t.functions[name]
	return info, ok
}

// DeclareRecordType inserts a TYPE...END TYPE declaration.
func (t *Table) DeclareRecordType(rt RecordType, loc ast.Location) error {
	if _, ok := t.records[rt.Name]; ok {
		return diag.TypeError(diag.Location{File: loc.File, Line: loc.Line}, "type %q redeclared", rt.Name)
	}
	t.records[rt.Name] = &rt
	return nil
}

// RecordTypeNames returns every declared record type name, for dump
// modes that want a stable, sorted listing.
func (t *Table) RecordTypeNames() []string {
	names := lo.Keys(t.records)
	sort.Strings(names)
	return names
}

// Layout computes (and caches) the offset/size/alignment of a record
// type, recursing into nested record fields with the same alignment
// rule (§3.4). A record that contains itself, directly or through a
// chain of nested records, is a LayoutError (§7) rather than an infinite
// recursion.
func (t *Table) Layout(name string, loc ast.Location) (*Layout, error) {
	return t.layoutRec(name, loc, map[string]bool{})
}

func (t *Table) layoutRec(name string, loc ast.Location, visiting map[string]bool) (*Layout, error) {
	if cached, ok := t.layouts[name]; ok {
		return cached, nil
	}
	if visiting[name] {
		return nil, diag.LayoutError(diag.Location{File: loc.File, Line: loc.Line},
			"record type %q contains itself, directly or indirectly", name)
	}
	rt, ok := t.records[name]
	if !ok {
		return nil, diag.TypeError(diag.Location{File: loc.File, Line: loc.Line}, "undeclared type %q", name)
	}
	visiting[name] = true

	offsets := make(map[string]int, len(rt.Fields))
	offset := 0
	maxAlign := 1
	for _, f := range rt.Fields {
		align := 8
		width := f.Type.Width
		if f.Type.Kind != types.UserDefined {
			align = types.NaturalAlignment(f.Type, 0)
		} else {
			nested, err := t.layoutRec(f.NestedType, loc, visiting)
			if err != nil {
				return nil, err
			}
			width = nested.Size
		}
		if align > maxAlign {
			maxAlign = align
		}
		offset = alignUp(offset, align)
		offsets[f.Name] = offset
		offset += width
	}
	delete(visiting, name)

	size := alignUp(offset, maxAlign)
	layout := &Layout{Size: size, Align: maxAlign, Offsets: offsets}
	t.layouts[name] = layout
	return layout, nil
}

func alignUp(n, align int) int {
	if align <= 1 {
		return n
	}
	rem := n % align
	if rem == 0 {
		return n
	}
	return n + (align - rem)
}

// UserDefinedTypeOf returns the record type name of a variable or array
// element reference, for member-access resolution (§4.2).
func (t *Table) UserDefinedTypeOf(name string, loc ast.Location) (string, error) {
	if info, ok := t.current.variables[name]; ok && info.Type.Kind == types.UserDefined {
		return info.Type.TypeName, nil
	}
	if info, ok := t.global.variables[name]; ok && info.Type.Kind == types.UserDefined {
		return info.Type.TypeName, nil
	}
	if info, ok := t.current.arrays[name]; ok && info.ElemType.Kind == types.UserDefined {
		return info.UserType, nil
	}
	if info, ok := t.global.arrays[name]; ok && info.ElemType.Kind == types.UserDefined {
		return info.UserType, nil
	}
	return "", diag.TypeError(diag.Location{File: loc.File, Line: loc.Line}, "%q is not a record-typed variable or array", name)
}

// FieldType resolves one field of a record type by name, failing with a
// TypeError if typeName is not a record or has no such field (§4.2:
// "field reference into a non-record" / "lookup of an undeclared field").
func (t *Table) FieldType(typeName, fieldName string, loc ast.Location) (Field, error) {
	rt, ok := t.records[typeName]
	if !ok {
		return Field{}, diag.TypeError(diag.Location{File: loc.File, Line: loc.Line},
			"%q is not a record type", typeName)
	}
	for _, f := range rt.Fields {
		if f.Name == fieldName {
			return f, nil
		}
	}
	return Field{}, diag.TypeError(diag.Location{File: loc.File, Line: loc.Line},
		"type %q has no field %q", typeName, fieldName)
}

// DeclareLabel records a label's target line number.
func (t *Table) DeclareLabel(name string, line int) { t.labels[name] = line }

// LookupLabel resolves a label to its target line number.
func (t *Table) LookupLabel(name string) (int, bool) {
	line, ok := t.labels[name]
	return line, ok
}

// GlobalSlotCount returns the number of globals allocated (for sizing the
// $__global_vector data object, §4.7).
func (t *Table) GlobalSlotCount() int { return t.nextSlot }

// IsRecordType reports whether name has been declared with TYPE.
func (t *Table) IsRecordType(name string) bool {
	_, ok := t.records[name]
	return ok
}

// LocalVar is one entry returned by LocalScalars.
type LocalVar struct {
	Name string
	Type types.Descriptor
}

// LocalScalars lists every non-global variable declared in the current
// scope, sorted for deterministic emission order. The codegen prologue
// walks this once per routine to allocate one stack slot per local
// (§9 invariant 4: deterministic output).
func (t *Table) LocalScalars() []LocalVar {
	out := make([]LocalVar, 0, len(t.current.variables))
	for name, info := range t.current.variables {
		if info.IsGlobal {
			continue
		}
		out = append(out, LocalVar{Name: name, Type: info.Type})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// LocalArray is one entry returned by LocalArrays.
type LocalArray struct {
	Name string
	Info ArrayInfo
}

// LocalArrays lists every array DIM'd in the current scope.
func (t *Table) LocalArrays() []LocalArray {
	out := make([]LocalArray, 0, len(t.current.arrays))
	for name, info := range t.current.arrays {
		out = append(out, LocalArray{Name: name, Info: *info})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
