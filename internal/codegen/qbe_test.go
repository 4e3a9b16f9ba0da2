package codegen

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fasterbasic/fbc/internal/types"
)

func TestNewTempIsMonotonicPerWriter(t *testing.T) {
	w := NewWriter()
	assert.Equal(t, "%t1", w.NewTemp())
	assert.Equal(t, "%t2", w.NewTemp())

	// A fresh Writer starts its own counter back at 1 — this is how the
	// driver resets per-function numbering without any shared state.
	w2 := NewWriter()
	assert.Equal(t, "%t1", w2.NewTemp())
}

func TestEmitIndentsLabelDoesNot(t *testing.T) {
	w := NewWriter()
	w.Label("entry")
	w.Emit("jmp @exit")
	assert.Equal(t, "@entry\n\tjmp @exit\n", w.String())
}

func TestRawAppendsVerbatim(t *testing.T) {
	w := NewWriter()
	w.Raw("data $x = { w 0 }\n")
	assert.Equal(t, "data $x = { w 0 }\n", w.String())
}

func TestFormatDoubleNeverUsesExponentialNotation(t *testing.T) {
	assert.Equal(t, "d_3.14", FormatDouble(3.14))
	assert.Equal(t, "d_0", FormatDouble(0))
	assert.Equal(t, "d_-2.5", FormatDouble(-2.5))
}

func TestFormatSingleUsesSPrefix(t *testing.T) {
	assert.Equal(t, "s_1.5", FormatSingle(1.5))
}

func TestEscapeBytesHandlesShortEscapesAndHex(t *testing.T) {
	assert.Equal(t, `hello\n`, EscapeBytes("hello\n"))
	assert.Equal(t, `a\"b`, EscapeBytes(`a"b`))
	assert.Equal(t, `\x01`, EscapeBytes("\x01"))
	assert.Equal(t, `tab\t`, EscapeBytes("tab\t"))
}

func TestStringPoolDedupesByContent(t *testing.T) {
	p := NewStringPool()
	a := p.Intern("hello")
	b := p.Intern("world")
	c := p.Intern("hello")
	assert.Equal(t, "$data_str.0", a)
	assert.Equal(t, "$data_str.1", b)
	assert.Equal(t, a, c)
}

func TestStringPoolEmitWritesInAllocationOrder(t *testing.T) {
	p := NewStringPool()
	p.Intern("first")
	p.Intern("second")
	w := NewWriter()
	p.Emit(w)
	assert.Equal(t, "data $data_str.0 = { b \"first\", b 0 }\ndata $data_str.1 = { b \"second\", b 0 }\n", w.String())
}

func TestClassOfMatchesTypesQBEType(t *testing.T) {
	assert.Equal(t, types.ClassWord, classOf(types.IntegerDesc))
	assert.Equal(t, types.ClassDouble, classOf(types.DoubleDesc))
}
