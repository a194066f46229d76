// Package proc provides utilities for process inspection on Linux systems.
// It parses the /proc filesystem for memory mappings, threads and process
// identity.
package proc

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Self is the pid value that designates the calling process.
const Self = 0

// Root is the mount point of the proc filesystem. Tests may point it at a
// fixture tree.
var Root = "/proc"

// Path returns the /proc path for pid (Self maps to "self") joined with elem.
func Path(pid int, elem ...string) string {
	p := "self"
	if pid > 0 {
		p = strconv.Itoa(pid)
	}
	return filepath.Join(append([]string{Root, p}, elem...)...)
}

// Mapping is one line of /proc/<pid>/maps.
type Mapping struct {
	Start  uint64
	End    uint64
	Perms  string // e.g. "r-xp"
	Offset uint64
	Dev    string
	Inode  uint64
	Path   string // empty for anonymous mappings
}

// Size returns the length of the mapping in bytes.
func (m Mapping) Size() uint64 { return m.End - m.Start }

// Readable reports the r permission bit.
func (m Mapping) Readable() bool { return len(m.Perms) > 0 && m.Perms[0] == 'r' }

// Writable reports the w permission bit.
func (m Mapping) Writable() bool { return len(m.Perms) > 1 && m.Perms[1] == 'w' }

// Executable reports the x permission bit.
func (m Mapping) Executable() bool { return len(m.Perms) > 2 && m.Perms[2] == 'x' }

// Shared reports whether the mapping is shared rather than private.
func (m Mapping) Shared() bool { return len(m.Perms) > 3 && m.Perms[3] == 's' }

// Contains reports whether addr lies within [Start, End).
func (m Mapping) Contains(addr uint64) bool { return addr >= m.Start && addr < m.End }

// ReadMaps reads and parses /proc/<pid>/maps.
func ReadMaps(pid int) ([]Mapping, error) {
	path := Path(pid, "maps")
	//nolint:gosec // G304: Path is from /proc filesystem for process information.
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close() // nolint:errcheck

	maps, err := ParseMaps(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return maps, nil
}

// ParseMaps parses maps text. Malformed lines are skipped.
func ParseMaps(r io.Reader) ([]Mapping, error) {
	var maps []Mapping
	scanner := bufio.NewScanner(r)
	// Mapping names can be long (anonymous names, deleted paths).
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		m, err := ParseMapsLine(scanner.Text())
		if err != nil {
			continue
		}
		maps = append(maps, m)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return maps, nil
}

// ParseMapsLine parses a single maps line of the form
//
//	7f0c1000-7f0c5000 r-xp 00012000 fd:01 1234   /apex/com.android.art/lib64/libart.so
func ParseMapsLine(line string) (Mapping, error) {
	var m Mapping
	rest := line

	addrs, rest := nextField(rest)
	perms, rest := nextField(rest)
	offset, rest := nextField(rest)
	dev, rest := nextField(rest)
	inode, rest := nextField(rest)
	if inode == "" {
		return m, fmt.Errorf("short maps line %q", line)
	}

	lo, hi, ok := strings.Cut(addrs, "-")
	if !ok {
		return m, fmt.Errorf("bad address range %q", addrs)
	}
	var err error
	if m.Start, err = strconv.ParseUint(lo, 16, 64); err != nil {
		return m, fmt.Errorf("bad start address %q: %w", lo, err)
	}
	if m.End, err = strconv.ParseUint(hi, 16, 64); err != nil {
		return m, fmt.Errorf("bad end address %q: %w", hi, err)
	}
	if m.End < m.Start {
		return m, fmt.Errorf("inverted range %q", addrs)
	}
	if len(perms) != 4 {
		return m, fmt.Errorf("bad permissions %q", perms)
	}
	m.Perms = perms
	if m.Offset, err = strconv.ParseUint(offset, 16, 64); err != nil {
		return m, fmt.Errorf("bad offset %q: %w", offset, err)
	}
	m.Dev = dev
	if m.Inode, err = strconv.ParseUint(inode, 10, 64); err != nil {
		return m, fmt.Errorf("bad inode %q: %w", inode, err)
	}
	m.Path = strings.TrimSpace(rest)
	return m, nil
}

// nextField splits off the next whitespace-delimited field.
func nextField(s string) (string, string) {
	s = strings.TrimLeft(s, " \t")
	i := strings.IndexAny(s, " \t")
	if i < 0 {
		return s, ""
	}
	return s[:i], s[i:]
}

// ListThreads returns the thread ids of pid, sorted ascending.
func ListThreads(pid int) ([]int, error) {
	entries, err := os.ReadDir(Path(pid, "task"))
	if err != nil {
		return nil, fmt.Errorf("failed to read task list: %w", err)
	}

	var tids []int
	for _, entry := range entries {
		tid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		tids = append(tids, tid)
	}
	sort.Ints(tids)
	return tids, nil
}

// ThreadState returns the one-letter scheduler state of a thread
// (R, S, D, T, t, Z, ...).
func ThreadState(pid, tid int) (byte, error) {
	data, err := os.ReadFile(Path(pid, "task", strconv.Itoa(tid), "stat"))
	if err != nil {
		return 0, err
	}
	return ParseStatState(data)
}

// ParseStatState extracts the state field from a stat line. The command name
// may contain spaces and parentheses, so the state is located after the last
// closing parenthesis.
func ParseStatState(data []byte) (byte, error) {
	s := string(data)
	i := strings.LastIndexByte(s, ')')
	if i < 0 || i+2 >= len(s) {
		return 0, fmt.Errorf("malformed stat line")
	}
	return s[i+2], nil
}

// GetKernelVersion reads the kernel version from /proc/version.
func GetKernelVersion() string {
	data, err := os.ReadFile(filepath.Join(Root, "version"))
	if err != nil {
		return "unknown"
	}

	version := string(data)
	if idx := strings.Index(version, "Linux version "); idx >= 0 {
		version = version[idx+14:]
		if idx := strings.Index(version, " "); idx >= 0 {
			version = version[:idx]
		}
		return version
	}

	return "unknown"
}
