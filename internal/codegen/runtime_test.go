package codegen

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fasterbasic/fbc/internal/types"
)

func TestLookupFindsCoreEntries(t *testing.T) {
	e, ok := Lookup("basic_print_int")
	require.True(t, ok)
	assert.Equal(t, []types.QBEClass{types.ClassLong}, e.Params)
	assert.Equal(t, void, e.Ret)
}

func TestLookupUnknownNameFails(t *testing.T) {
	_, ok := Lookup("not_a_runtime_entry")
	assert.False(t, ok)
}

func TestMathTableBulkRegistrationUnaryAndBinary(t *testing.T) {
	sqrt, ok := Lookup("basic_sqrt")
	require.True(t, ok)
	assert.Equal(t, []types.QBEClass{types.ClassDouble}, sqrt.Params)
	assert.Equal(t, types.ClassDouble, sqrt.Ret)

	pow, ok := Lookup("basic_pow")
	require.True(t, ok)
	assert.Equal(t, []types.QBEClass{types.ClassDouble, types.ClassDouble}, pow.Params)

	fma, ok := Lookup("basic_fma")
	require.True(t, ok)
	assert.Len(t, fma.Params, 3)
}

func TestPrinterForDispatchesByType(t *testing.T) {
	assert.Equal(t, "basic_print_int", PrinterFor(types.IntegerDesc))
	assert.Equal(t, "basic_print_double", PrinterFor(types.DoubleDesc))
	assert.Equal(t, "basic_print_float", PrinterFor(types.SingleDesc))
	assert.Equal(t, "basic_print_string_desc", PrinterFor(types.StringDesc))
}

func TestReaderForDispatchesByType(t *testing.T) {
	assert.Equal(t, "basic_read_int", ReaderFor(types.IntegerDesc))
	assert.Equal(t, "basic_read_double", ReaderFor(types.DoubleDesc))
	assert.Equal(t, "basic_read_string", ReaderFor(types.StringDesc))
}
