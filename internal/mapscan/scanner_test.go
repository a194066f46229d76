package mapscan

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	hgerrors "github.com/hookguard/hookguard/internal/errors"
	"github.com/hookguard/hookguard/internal/memory"
	"github.com/hookguard/hookguard/internal/sys/proc"
	"github.com/hookguard/hookguard/internal/testutil"
)

const deviceMaps = `12c00000-12e00000 rw-p 00000000 00:00 0        [anon:dalvik-main space (region space)]
6f000000-6f100000 r-xp 00000000 fd:06 1183      /data/misc/apexdata/com.android.art/dalvik-cache/arm64/boot.oat
7000000000-7000100000 r-xp 00000000 fd:06 900    /data/app/~~x/com.example-1/oat/arm64/base.odex
7100000000-7100001000 rwxp 00000000 00:00 0      [anon:lsplant trampoline]
7b8f200000-7b8f2ea000 r--p 00000000 07:28 48     /apex/com.android.art/lib64/libart.so
7b8f2ea000-7b8f7ff000 r-xp 000ea000 07:28 48     /apex/com.android.art/lib64/libart.so
7b8f7ff000-7b8f812000 rw-p 005ff000 07:28 48     /apex/com.android.art/lib64/libart.so
7b91000000-7b91200000 r-xs 00000000 00:01 7      /memfd:jit-cache (deleted)
7c00000000-7c00001000 r-xp 00000000 07:28 77     /system/lib64/libartbase.so
`

type staticMapper struct {
	maps []proc.Mapping
	err  error
}

func (m staticMapper) Maps() ([]proc.Mapping, error) { return m.maps, m.err }

func parse(t *testing.T) []Region {
	t.Helper()
	maps, err := proc.ParseMaps(strings.NewReader(deviceMaps))
	require.NoError(t, err)
	return maps
}

func TestScan_Sorted(t *testing.T) {
	maps := parse(t)
	shuffled := []proc.Mapping{maps[3], maps[0], maps[5]}

	s := New(staticMapper{maps: shuffled}, testutil.NewTestLogger(t))
	regions, err := s.Scan()
	require.NoError(t, err)
	require.Len(t, regions, 3)
	assert.Equal(t, maps[0].Start, regions[0].Start)
	assert.Equal(t, maps[5].Start, regions[2].Start)
}

func TestScan_SourceError(t *testing.T) {
	s := New(staticMapper{err: errors.New("EACCES")}, testutil.NewTestLogger(t))
	_, err := s.Scan()
	assert.Error(t, err)
}

func TestFindLibrary(t *testing.T) {
	img, err := FindLibrary(parse(t), DefaultLibrary)
	require.NoError(t, err)

	assert.Equal(t, "/apex/com.android.art/lib64/libart.so", img.Path)
	assert.Len(t, img.Mappings, 3)
	assert.Equal(t, uint64(0x7b8f200000), img.Base())

	exec := img.Executable()
	require.Len(t, exec, 1)
	assert.Equal(t, uint64(0x7b8f2ea000), exec[0].Start)
	assert.Equal(t, uint64(0xea000), exec[0].Offset)
}

func TestFindLibrary_NotMapped(t *testing.T) {
	_, err := FindLibrary(parse(t), "libartd.so")
	require.Error(t, err)
	assert.True(t, errors.Is(err, hgerrors.ErrRegionNotFound))
}

func TestFindLibrary_NoExecutableMapping(t *testing.T) {
	maps := parse(t)
	_, err := FindLibrary([]Region{maps[4], maps[6]}, DefaultLibrary)
	assert.ErrorIs(t, err, hgerrors.ErrRegionNotFound)
}

func TestImageBase_WithoutOffsetZero(t *testing.T) {
	img := &Image{Mappings: []Region{{Start: 0x5000, End: 0x6000, Offset: 0x3000, Perms: "r-xp"}}}
	assert.Equal(t, uint64(0x2000), img.Base())
	assert.Equal(t, uint64(0), (&Image{}).Base())
}

func TestCodeRegions(t *testing.T) {
	cs := CodeRegions(parse(t), DefaultLibrary)

	tests := []struct {
		name string
		addr uint64
		want bool
	}{
		{"boot oat", 0x6f000010, true},
		{"app odex", 0x7000000040, true},
		{"anonymous trampoline page", 0x7100000010, false},
		{"runtime library text", 0x7b8f300000, true},
		{"runtime library rodata", 0x7b8f200010, false},
		{"jit cache", 0x7b91000100, true},
		{"other library", 0x7c00000010, false},
		{"heap", 0x12c00010, false},
		{"unmapped", 0x10, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, cs.Contains(tt.addr))
		})
	}
	assert.Len(t, cs.Regions(), 4)
}

func TestFind(t *testing.T) {
	regions := parse(t)
	r, ok := Find(regions, 0x7b8f2ea010)
	require.True(t, ok)
	assert.Equal(t, "/apex/com.android.art/lib64/libart.so", r.Path)

	_, ok = Find(regions, 0x1)
	assert.False(t, ok)
}

func TestScan_Simulated(t *testing.T) {
	sim := memory.NewSimulated(memory.ArchARM64)
	sim.MapFile(0x10000, make([]byte, 0x1000), memory.ProtRead|memory.ProtExec, "/system/lib64/libart.so", 0)

	regions, err := New(sim, testutil.NewTestLogger(t)).Scan()
	require.NoError(t, err)
	img, err := FindLibrary(regions, DefaultLibrary)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x10000), img.Base())
}
