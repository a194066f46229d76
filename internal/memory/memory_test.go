package memory

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProt(t *testing.T) {
	assert.Equal(t, "r-x", (ProtRead | ProtExec).String())
	assert.Equal(t, "rw-", (ProtRead | ProtWrite).String())
	assert.Equal(t, "---", ProtNone.String())
	assert.Equal(t, ProtRead|ProtExec, ParseProt("r-xp"))
	assert.Equal(t, ProtRead|ProtWrite, ParseProt("rw-s"))
	assert.Equal(t, ProtNone, ParseProt(""))
}

func TestArch(t *testing.T) {
	assert.Equal(t, uint64(4), ArchARM64.InstructionAlign())
	assert.Equal(t, uint64(1), ArchAMD64.InstructionAlign())
	assert.Equal(t, 8, ArchARM64.PtrSize())
	assert.Equal(t, 4, ArchARM.PtrSize())
}

func TestSimulated_ProtectionEnforced(t *testing.T) {
	sim := NewSimulated(ArchARM64)
	sim.MapFile(0x1000, make([]byte, 0x100), ProtRead|ProtExec, "/apex/lib64/libart.so", 0x1000)

	err := sim.WriteAt([]byte{1, 2, 3, 4}, 0x1010)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrProtection))

	restore, err := sim.Protect(0x1010, 4, ProtRead|ProtWrite|ProtExec)
	require.NoError(t, err)
	require.NoError(t, sim.WriteAt([]byte{1, 2, 3, 4}, 0x1010))
	require.NoError(t, restore())
	assert.Equal(t, ProtRead|ProtExec, sim.ProtAt(0x1010))

	got, err := ReadBytes(sim, 0x1010, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, got)
	assert.Equal(t, 1, sim.Writes)
}

func TestSimulated_Unmapped(t *testing.T) {
	sim := NewSimulated(ArchARM64)
	sim.Map(0x1000, make([]byte, 16), ProtRead)

	_, err := ReadU64(sim, 0x100c)
	assert.ErrorIs(t, err, ErrUnmapped)
	_, err = ReadU32(sim, 0x2000)
	assert.ErrorIs(t, err, ErrUnmapped)
	_, err = ReadBytes(sim, 0x1000, -1)
	assert.Error(t, err)
}

func TestSimulated_FaultInjection(t *testing.T) {
	sim := NewSimulated(ArchARM64)
	sim.Map(0x1000, make([]byte, 16), ProtRead|ProtWrite)

	boom := errors.New("EFAULT")
	sim.FailWrite(0x1000, boom)
	assert.ErrorIs(t, sim.WriteAt([]byte{1}, 0x1000), boom)

	sim.DropWrite(0x1008)
	require.NoError(t, sim.WriteAt([]byte{9}, 0x1008))
	assert.Equal(t, []byte{0}, sim.Peek(0x1008, 1))

	sim.FailProtect(boom)
	_, err := sim.Protect(0x1000, 1, ProtRead)
	assert.ErrorIs(t, err, boom)
}

func TestPointerHelpers(t *testing.T) {
	sim := NewSimulated(ArchARM)
	sim.Map(0x1000, make([]byte, 16), ProtRead|ProtWrite)

	require.NoError(t, sim.StoreWord(0x1004, 0xdeadbeef))
	v, err := ReadPtr(sim, 0x1004)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xdeadbeef), v)
	assert.Len(t, PutPtr(ArchARM, 1), 4)
	assert.Len(t, PutPtr(ArchARM64, 1), 8)

	assert.Error(t, sim.StoreWord(0x1002, 1))
}

func TestSimulated_Maps(t *testing.T) {
	sim := NewSimulated(ArchARM64)
	sim.MapFile(0x2000, make([]byte, 0x1000), ProtRead|ProtExec, "/system/lib64/libart.so", 0x1000)
	sim.Map(0x1000, make([]byte, 0x1000), ProtRead|ProtWrite)

	maps, err := sim.Maps()
	require.NoError(t, err)
	require.Len(t, maps, 2)
	assert.Equal(t, uint64(0x1000), maps[0].Start)
	assert.Equal(t, "rw-p", maps[0].Perms)
	assert.Equal(t, "r-xp", maps[1].Perms)
	assert.Equal(t, "/system/lib64/libart.so", maps[1].Path)
	assert.Equal(t, uint64(0x1000), maps[1].Offset)
}
