package codegen

import "github.com/fasterbasic/fbc/internal/types"

// RuntimeEntry describes one consumed runtime entry point's QBE ABI
// (spec §6.3): its parameter classes in call order and its return class,
// or "" for a void entry point. Built-in function calls (emitRuntimeCall)
// and READ take their signature from this table; the emitter's other
// runtime calls write their call text directly. This is the one place
// this package is table-driven rather than switch-driven (SPEC_FULL §8)
// because this table *is* the contract with the external C runtime.
type RuntimeEntry struct {
	Params []types.QBEClass
	Ret    types.QBEClass // "" means void
}

const void = types.QBEClass("")

// cw/cl/cs/cd are short local aliases so the table below reads as a flat
// signature list instead of a wall of types.Class… identifiers.
const (
	cw = types.ClassWord
	cl = types.ClassLong
	cs = types.ClassSingle
	cd = types.ClassDouble
)

// RuntimeTable is the fixed entry-point table of spec §6.3. Keys are the
// exact C symbol names the generated `call` instructions target.
var RuntimeTable = map[string]RuntimeEntry{
	// I/O
	"basic_runtime_init":      {nil, void},
	"basic_runtime_cleanup":   {nil, void},
	"basic_print_int":         {[]types.QBEClass{cl}, void},
	"basic_print_double":      {[]types.QBEClass{cd}, void},
	"basic_print_float":       {[]types.QBEClass{cs}, void},
	"basic_print_string_desc": {[]types.QBEClass{cl}, void},
	"basic_print_newline":     {nil, void},
	"basic_print_tab":         {nil, void},
	"basic_print_using":       {[]types.QBEClass{cl, cl, cl}, void},
	"basic_input_line":        {nil, cl},
	"basic_input_int":         {nil, cw},
	"basic_input_double":      {nil, cd},
	"basic_cls":               {nil, void},
	"basic_color":             {[]types.QBEClass{cw, cw}, void},
	"basic_locate":            {[]types.QBEClass{cw, cw}, void},
	"basic_width":             {[]types.QBEClass{cw}, void},
	"basic_inkey":             {nil, cl},
	"basic_csrlin":            {nil, cw},
	"basic_pos":               {[]types.QBEClass{cw}, cw},

	// Strings
	"string_new_utf8":       {[]types.QBEClass{cl}, cl},
	"string_new_capacity":   {[]types.QBEClass{cl}, cl},
	"string_retain":         {[]types.QBEClass{cl}, cl},
	"string_release":        {[]types.QBEClass{cl}, void},
	"string_length":         {[]types.QBEClass{cl}, cl},
	"string_concat":         {[]types.QBEClass{cl, cl}, cl},
	"string_compare":        {[]types.QBEClass{cl, cl}, cw},
	"string_mid":            {[]types.QBEClass{cl, cl, cl}, cl},
	"string_slice":          {[]types.QBEClass{cl, cl, cl}, cl},
	"string_left":           {[]types.QBEClass{cl, cl}, cl},
	"string_right":          {[]types.QBEClass{cl, cl}, cl},
	"string_upper":          {[]types.QBEClass{cl}, cl},
	"string_lower":          {[]types.QBEClass{cl}, cl},
	"string_trim":           {[]types.QBEClass{cl}, cl},
	"string_ltrim":          {[]types.QBEClass{cl}, cl},
	"string_rtrim":          {[]types.QBEClass{cl}, cl},
	"string_reverse":        {[]types.QBEClass{cl}, cl},
	"string_replace":        {[]types.QBEClass{cl, cl, cl}, cl},
	"string_instr":          {[]types.QBEClass{cl, cl, cl}, cw},
	"string_instrrev":       {[]types.QBEClass{cl, cl, cl}, cw},
	"string_tally":          {[]types.QBEClass{cl, cl}, cw},
	"string_from_int":       {[]types.QBEClass{cl}, cl},
	"string_from_double":    {[]types.QBEClass{cd}, cl},
	"str_to_int":            {[]types.QBEClass{cl}, cw},
	"str_to_double":         {[]types.QBEClass{cl}, cd},
	"string_mid_assign":     {[]types.QBEClass{cl, cl, cl, cl}, cl},
	"string_slice_assign":   {[]types.QBEClass{cl, cl, cl, cl}, cl},
	"basic_empty_string":    {nil, cl},

	// Arrays
	"array_descriptor_erase":   {[]types.QBEClass{cl}, void},
	"array_descriptor_destroy": {[]types.QBEClass{cl}, void},
	"basic_array_bounds_error": {[]types.QBEClass{cl, cl, cl}, void},
	"malloc":                   {[]types.QBEClass{cl}, cl},
	"free":                     {[]types.QBEClass{cl}, void},
	"realloc":                  {[]types.QBEClass{cl, cl}, cl},
	"memset":                   {[]types.QBEClass{cl, cw, cl}, void},

	// DATA
	"basic_read_int":    {nil, cw},
	"basic_read_double": {nil, cd},
	"basic_read_string": {nil, cl},
	"basic_restore":     {[]types.QBEClass{cl}, void},

	// Exceptions
	"basic_throw":      {[]types.QBEClass{cw}, void},
	"basic_try_enter":  {nil, cw},
	"basic_try_exit":   {nil, void},
}

func init() {
	for _, name := range []string{
		"basic_abs_double", "basic_sin", "basic_cos", "basic_tan", "basic_atan",
		"basic_asin", "basic_acos", "basic_sinh", "basic_cosh", "basic_tanh",
		"basic_asinh", "basic_acosh", "basic_atanh", "basic_sqrt", "basic_cbrt",
		"basic_log", "basic_log10", "basic_log1p", "basic_exp", "basic_exp2",
		"basic_expm1", "basic_floor", "basic_ceil", "basic_trunc", "basic_round",
		"basic_erf", "basic_erfc", "basic_tgamma", "basic_lgamma", "basic_deg",
		"basic_rad", "basic_sigmoid", "basic_logit", "basic_normpdf", "basic_normcdf",
		"basic_fact", "basic_timer", "basic_rnd",
	} {
		RuntimeTable[name] = RuntimeEntry{[]types.QBEClass{cd}, cd}
	}
	for _, name := range []string{
		"basic_atan2", "basic_pow", "basic_hypot", "basic_fmod", "basic_remainder",
		"basic_copysign", "basic_nextafter", "basic_fmax", "basic_fmin", "basic_comb",
		"basic_perm", "basic_lerp", "basic_pmt", "basic_pv", "basic_fv",
	} {
		RuntimeTable[name] = RuntimeEntry{[]types.QBEClass{cd, cd}, cd}
	}
	RuntimeTable["basic_fma"] = RuntimeEntry{[]types.QBEClass{cd, cd, cd}, cd}
	RuntimeTable["basic_clamp"] = RuntimeEntry{[]types.QBEClass{cd, cd, cd}, cd}
	RuntimeTable["basic_rand"] = RuntimeEntry{[]types.QBEClass{cw}, cw}
}

// Lookup resolves a runtime entry-point name to its ABI signature.
func Lookup(name string) (RuntimeEntry, bool) {
	e, ok := RuntimeTable[name]
	return e, ok
}

// PrinterFor returns the typed PRINT runtime entry point for a descriptor
// (§4.5: "dispatch to the typed runtime printer").
func PrinterFor(desc types.Descriptor) string {
	switch {
	case desc.Kind == types.Single:
		return "basic_print_float"
	case desc.IsFloat():
		return "basic_print_double"
	case desc.IsStringLike():
		return "basic_print_string_desc"
	default:
		return "basic_print_int"
	}
}

// ReaderFor returns the typed READ runtime entry point for a descriptor.
func ReaderFor(desc types.Descriptor) string {
	switch {
	case desc.IsFloat():
		return "basic_read_double"
	case desc.IsStringLike():
		return "basic_read_string"
	default:
		return "basic_read_int"
	}
}
