package art

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hookguard/hookguard/internal/memory"
	"github.com/hookguard/hookguard/internal/testutil"
)

func TestDexNames(t *testing.T) {
	rt := testutil.NewRuntime(memory.ArchARM64)
	cls := rt.DefineClass("Landroid/app/Activity;",
		[]testutil.MethodDef{
			{Name: "onCreate", Proto: "(Landroid/os/Bundle;)V"},
			{Name: "startActivityForResult", Proto: "(Landroid/content/Intent;I[Ljava/lang/String;)J"},
		},
		[]testutil.FieldDef{{Name: "sInstance", Type: "Landroid/app/Activity;"}})
	sim := rt.Build()

	d, err := openDex(sim, testutil.DexBase)
	require.NoError(t, err)

	idx, err := memory.ReadU32(sim, cls.Methods[1]+8)
	require.NoError(t, err)
	class, name, proto, err := d.Method(idx)
	require.NoError(t, err)
	assert.Equal(t, "Landroid/app/Activity;", class)
	assert.Equal(t, "startActivityForResult", name)
	assert.Equal(t, "(Landroid/content/Intent;I[Ljava/lang/String;)J", proto)

	idx, err = memory.ReadU32(sim, cls.Methods[0]+8)
	require.NoError(t, err)
	_, _, proto, err = d.Method(idx)
	require.NoError(t, err)
	assert.Equal(t, "(Landroid/os/Bundle;)V", proto)

	fname, ftype, err := d.Field(0)
	require.NoError(t, err)
	assert.Equal(t, "sInstance", fname)
	assert.Equal(t, "Landroid/app/Activity;", ftype)

	_, _, _, err = d.Method(10_000)
	assert.ErrorIs(t, err, errDexBounds)
}

func TestOpenDex_BadMagic(t *testing.T) {
	sim := memory.NewSimulated(memory.ArchARM64)
	sim.Map(0x1000, make([]byte, 0x1000), memory.ProtRead)

	_, err := openDex(sim, 0x1000)
	assert.ErrorContains(t, err, "no dex magic")

	_, err = openDex(sim, 0x9000)
	assert.Error(t, err)
}

func TestDecodeMUTF8(t *testing.T) {
	assert.Equal(t, "plain", decodeMUTF8([]byte("plain")))
	assert.Equal(t, "a\x00b", decodeMUTF8([]byte{'a', 0xc0, 0x80, 'b'}))
	assert.Equal(t, "é", decodeMUTF8([]byte{0xc3, 0xa9}))
	// U+1F600 as a CESU-8 surrogate pair.
	assert.Equal(t, "\U0001F600", decodeMUTF8([]byte{0xed, 0xa0, 0xbd, 0xed, 0xb8, 0x80}))
}

func TestULEB128(t *testing.T) {
	v, n := uleb128([]byte{0x7f})
	assert.Equal(t, uint32(127), v)
	assert.Equal(t, 1, n)

	v, n = uleb128([]byte{0x80, 0x01})
	assert.Equal(t, uint32(128), v)
	assert.Equal(t, 2, n)

	_, n = uleb128([]byte{0x80, 0x80})
	assert.Zero(t, n, "unterminated")
}

func TestDottedName(t *testing.T) {
	tests := map[string]string{
		"Ljava/lang/String;":   "java.lang.String",
		"I":                    "int",
		"[I":                   "int[]",
		"[[Ljava/lang/Object;": "java.lang.Object[][]",
		"V":                    "void",
	}
	for in, want := range tests {
		assert.Equal(t, want, DottedName(in), in)
	}

	assert.True(t, IsReferenceType("Ljava/util/Map;"))
	assert.True(t, IsReferenceType("[J"))
	assert.False(t, IsReferenceType("J"))
	assert.False(t, IsReferenceType(""))
}
