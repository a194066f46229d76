package proc

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleMaps = `12c00000-12e00000 rw-p 00000000 00:00 0                                  [anon:dalvik-main space (region space)]
70a3e000-70c31000 rw-p 00000000 fd:06 1183                               /data/misc/apexdata/com.android.art/dalvik-cache/arm64/boot.art
7b8f200000-7b8f2ea000 r--p 00000000 07:28 48                             /apex/com.android.art/lib64/libart.so
7b8f2ea000-7b8f7ff000 r-xp 000ea000 07:28 48                             /apex/com.android.art/lib64/libart.so
7b8f7ff000-7b8f812000 rw-p 005ff000 07:28 48                             /apex/com.android.art/lib64/libart.so
7b90000000-7b90400000 rw-p 00000000 00:00 0                              [anon:dalvik-indirect ref table]
7b91000000-7b91200000 r-xs 00000000 00:01 7                              /memfd:jit-cache (deleted)
garbage line
`

func TestParseMaps(t *testing.T) {
	maps, err := ParseMaps(strings.NewReader(sampleMaps))
	require.NoError(t, err)
	require.Len(t, maps, 7)

	text := maps[3]
	assert.Equal(t, uint64(0x7b8f2ea000), text.Start)
	assert.Equal(t, uint64(0x7b8f7ff000), text.End)
	assert.Equal(t, uint64(0xea000), text.Offset)
	assert.Equal(t, "07:28", text.Dev)
	assert.Equal(t, uint64(48), text.Inode)
	assert.Equal(t, "/apex/com.android.art/lib64/libart.so", text.Path)
	assert.True(t, text.Readable())
	assert.True(t, text.Executable())
	assert.False(t, text.Writable())
	assert.False(t, text.Shared())
	assert.True(t, text.Contains(0x7b8f2ea000))
	assert.False(t, text.Contains(0x7b8f7ff000))
	assert.Equal(t, uint64(0x515000), text.Size())

	assert.Equal(t, "[anon:dalvik-indirect ref table]", maps[5].Path)
	assert.Equal(t, "/memfd:jit-cache (deleted)", maps[6].Path)
	assert.True(t, maps[6].Shared())
}

func TestParseMapsLine_Anonymous(t *testing.T) {
	m, err := ParseMapsLine("7fff0000-7fff1000 rw-p 00000000 00:00 0")
	require.NoError(t, err)
	assert.Empty(t, m.Path)
	assert.Equal(t, uint64(0), m.Inode)
}

func TestParseMapsLine_Errors(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"empty", ""},
		{"short", "7fff0000-7fff1000 rw-p"},
		{"no dash", "7fff0000 rw-p 00000000 00:00 0"},
		{"bad hex", "zz-7fff1000 rw-p 00000000 00:00 0"},
		{"inverted", "7fff1000-7fff0000 rw-p 00000000 00:00 0"},
		{"bad perms", "7fff0000-7fff1000 rw 00000000 00:00 0"},
		{"bad inode", "7fff0000-7fff1000 rw-p 00000000 00:00 x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseMapsLine(tt.line)
			assert.Error(t, err)
		})
	}
}

func TestParseStatState(t *testing.T) {
	state, err := ParseStatState([]byte("4242 (Binder:4242_2 (x)) T 1 4242 0"))
	require.NoError(t, err)
	assert.Equal(t, byte('T'), state)

	_, err = ParseStatState([]byte("no parens"))
	assert.Error(t, err)
}

func TestPath(t *testing.T) {
	assert.Equal(t, filepath.Join(Root, "self", "maps"), Path(Self, "maps"))
	assert.Equal(t, filepath.Join(Root, "42", "task", "43", "stat"), Path(42, "task", "43", "stat"))
}

func TestFixtureTree(t *testing.T) {
	old := Root
	Root = t.TempDir()
	t.Cleanup(func() { Root = old })

	dir := filepath.Join(Root, "77")
	for _, tid := range []string{"77", "80", "79"} {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, "task", tid), 0o755))
		stat := tid + " (app_process64) S 1 77"
		if tid == "80" {
			stat = tid + " (HeapTaskDaemon) t 1 77"
		}
		require.NoError(t, os.WriteFile(filepath.Join(dir, "task", tid, "stat"), []byte(stat), 0o644))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "maps"), []byte(sampleMaps), 0o644))

	tids, err := ListThreads(77)
	require.NoError(t, err)
	assert.Equal(t, []int{77, 79, 80}, tids)

	state, err := ThreadState(77, 80)
	require.NoError(t, err)
	assert.Equal(t, byte('t'), state)

	maps, err := ReadMaps(77)
	require.NoError(t, err)
	assert.Len(t, maps, 7)

	_, err = ReadMaps(78)
	assert.Error(t, err)
}

func TestReadMaps_Self(t *testing.T) {
	if _, err := os.Stat("/proc/self/maps"); err != nil {
		t.Skip("no procfs")
	}
	maps, err := ReadMaps(Self)
	require.NoError(t, err)
	assert.NotEmpty(t, maps)

	tids, err := ListThreads(Self)
	require.NoError(t, err)
	assert.NotEmpty(t, tids)
}

func TestGetKernelVersion(t *testing.T) {
	version := GetKernelVersion()
	if version == "" {
		t.Error("GetKernelVersion returned empty string")
	}
}
