// Package trampoline recognizes the entry stubs a hooking framework installs
// in front of hooked methods. Recognition is data driven: each stub variant
// is a byte pattern with a mask, and new variants are added to the table
// rather than to code.
package trampoline

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hookguard/hookguard/internal/memory"
)

// Signature is one trampoline variant.
type Signature struct {
	// Name identifies the variant in logs and reports.
	Name string
	// Arch is the instruction set the stub is written in.
	Arch memory.Arch
	// Pattern holds the expected bytes; only bits set in Mask are compared.
	Pattern []byte
	Mask    []byte
	// PayloadOffset is the offset from the match start of the embedded
	// pointer to the framework's hooker method.
	PayloadOffset int
	// Window is how many bytes after the entry point a match may start at.
	Window int
	// Step is the distance between candidate match positions.
	Step int
}

// matchAt reports whether code[off:] matches the signature.
func (s *Signature) matchAt(code []byte, off int) bool {
	if off+len(s.Pattern) > len(code) {
		return false
	}
	for i, p := range s.Pattern {
		if code[off+i]&s.Mask[i] != p&s.Mask[i] {
			return false
		}
	}
	return true
}

// span returns how many bytes from the entry point must be read to evaluate
// the signature at every candidate position, including the payload.
func (s *Signature) span() int {
	end := len(s.Pattern)
	if p := s.PayloadOffset + s.Arch.PtrSize(); p > end {
		end = p
	}
	return s.Window + end
}

func (s *Signature) validate() error {
	switch {
	case s.Name == "":
		return fmt.Errorf("signature without name")
	case len(s.Pattern) == 0:
		return fmt.Errorf("signature %s: empty pattern", s.Name)
	case len(s.Mask) != len(s.Pattern):
		return fmt.Errorf("signature %s: mask length %d != pattern length %d", s.Name, len(s.Mask), len(s.Pattern))
	case s.Step <= 0:
		return fmt.Errorf("signature %s: step must be positive", s.Name)
	case s.PayloadOffset < 0:
		return fmt.Errorf("signature %s: negative payload offset", s.Name)
	}
	return nil
}

// Match is a recognized trampoline.
type Match struct {
	Signature string
	// Offset is the distance from the entry point to the match start.
	Offset int
	// Payload is the embedded hooker method pointer.
	Payload uint64
}

// Table is an ordered set of signatures.
type Table struct {
	sigs []Signature
}

// NewTable validates and wraps sigs.
func NewTable(sigs []Signature) (*Table, error) {
	for i := range sigs {
		if err := sigs[i].validate(); err != nil {
			return nil, err
		}
	}
	return &Table{sigs: sigs}, nil
}

// Signatures returns the signatures for arch.
func (t *Table) Signatures(arch memory.Arch) []Signature {
	var out []Signature
	for _, s := range t.sigs {
		if s.Arch == arch {
			out = append(out, s)
		}
	}
	return out
}

// Span returns the number of bytes Match needs for arch.
func (t *Table) Span(arch memory.Arch) int {
	n := 0
	for _, s := range t.sigs {
		if s.Arch == arch && s.span() > n {
			n = s.span()
		}
	}
	return n
}

// Match scans code, read from an entry point, for a known trampoline.
func (t *Table) Match(arch memory.Arch, code []byte) (Match, bool) {
	for i := range t.sigs {
		s := &t.sigs[i]
		if s.Arch != arch {
			continue
		}
		for off := 0; off < s.Window; off += s.Step {
			if !s.matchAt(code, off) {
				continue
			}
			p := off + s.PayloadOffset
			if p+arch.PtrSize() > len(code) {
				continue
			}
			var payload uint64
			if arch.PtrSize() == 4 {
				payload = uint64(memory.Order.Uint32(code[p:]))
			} else {
				payload = memory.Order.Uint64(code[p:])
			}
			return Match{Signature: s.Name, Offset: off, Payload: payload}, true
		}
	}
	return Match{}, false
}

// Inspect reads code at entry and matches it. Unreadable code is not a
// trampoline.
func (t *Table) Inspect(as memory.AddressSpace, entry uint64) (Match, bool) {
	n := t.Span(as.Arch())
	if n == 0 || entry == 0 {
		return Match{}, false
	}
	code := make([]byte, n)
	// Stubs can sit at the end of a mapping; retry with shorter reads.
	for ; n > 0; n-- {
		if err := as.ReadAt(code[:n], entry); err == nil {
			return t.Match(as.Arch(), code[:n])
		}
	}
	return Match{}, false
}

// words encodes little-endian 32-bit instruction words.
func words(ws ...uint32) []byte {
	b := make([]byte, 4*len(ws))
	for i, w := range ws {
		memory.Order.PutUint32(b[4*i:], w)
	}
	return b
}

// DefaultSignatures returns the built-in LSPlant stub variants.
func DefaultSignatures() []Signature {
	return []Signature{
		{
			// ldr x0, #12; ldr x16, [x0, #off]; br x16; .quad hooker
			Name:          "lsplant-arm64",
			Arch:          memory.ArchARM64,
			Pattern:       words(0x58000060, 0xF8400010, 0xD61F0200),
			Mask:          words(0xFFFFFFFF, 0xFFF00FFF, 0xFFFFFFFF),
			PayloadOffset: 12,
			Window:        32,
			Step:          4,
		},
		{
			// ldr r0, [pc]; ldr pc, [r0, #off]; .word hooker
			Name:          "lsplant-arm",
			Arch:          memory.ArchARM,
			Pattern:       words(0xE59F0000, 0xE590FF00),
			Mask:          words(0xFFFFFFFF, 0xFFFFFF00),
			PayloadOffset: 8,
			Window:        32,
			Step:          4,
		},
		{
			// mov eax, hooker; push [eax+off]; ret
			Name:          "lsplant-x86",
			Arch:          memory.Arch386,
			Pattern:       []byte{0xB8, 0, 0, 0, 0, 0xFF, 0x70, 0, 0xC3},
			Mask:          []byte{0xFF, 0, 0, 0, 0, 0xFF, 0xFF, 0, 0xFF},
			PayloadOffset: 1,
			Window:        32,
			Step:          1,
		},
		{
			// movabs rdi, hooker; push [rdi+off]; ret
			Name:          "lsplant-x86_64",
			Arch:          memory.ArchAMD64,
			Pattern:       []byte{0x48, 0xBF, 0, 0, 0, 0, 0, 0, 0, 0, 0xFF, 0x77, 0, 0xC3},
			Mask:          []byte{0xFF, 0xFF, 0, 0, 0, 0, 0, 0, 0, 0, 0xFF, 0xFF, 0, 0xFF},
			PayloadOffset: 2,
			Window:        32,
			Step:          1,
		},
		{
			// auipc a0, 0; ld a0, 16(a0); ld t6, off(a0); jr t6; .dword hooker
			Name:          "lsplant-riscv64",
			Arch:          memory.ArchRISCV64,
			Pattern:       words(0x00000517, 0x01053503, 0x00053F83, 0x000F8067),
			Mask:          words(0xFFFFFFFF, 0xFFFFFFFF, 0xF00FFFFF, 0xFFFFFFFF),
			PayloadOffset: 16,
			Window:        32,
			Step:          4,
		},
	}
}

// DefaultTable returns a table of the built-in signatures.
func DefaultTable() *Table {
	t, _ := NewTable(DefaultSignatures())
	return t
}

// fileSignature is the YAML form of a Signature. Pattern and mask are hex
// byte strings; whitespace is ignored and "??" in the pattern marks a wildcard
// byte when no mask is given.
type fileSignature struct {
	Name          string `yaml:"name"`
	Arch          string `yaml:"arch"`
	Pattern       string `yaml:"pattern"`
	Mask          string `yaml:"mask,omitempty"`
	PayloadOffset int    `yaml:"payload_offset"`
	Window        int    `yaml:"window,omitempty"`
	Step          int    `yaml:"step,omitempty"`
}

type signatureFile struct {
	// Replace drops the built-in signatures instead of extending them.
	Replace    bool            `yaml:"replace"`
	Signatures []fileSignature `yaml:"signatures"`
}

// LoadTable reads additional signatures from a YAML file. Unless the file
// sets replace, its entries are appended to the built-in ones.
func LoadTable(path string) (*Table, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator supplied path
	if err != nil {
		return nil, fmt.Errorf("failed to read signature file: %w", err)
	}
	return ParseTable(data)
}

// ParseTable parses the YAML signature format.
func ParseTable(data []byte) (*Table, error) {
	var f signatureFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse signature file: %w", err)
	}

	var sigs []Signature
	if !f.Replace {
		sigs = DefaultSignatures()
	}
	for _, fs := range f.Signatures {
		s, err := fs.decode()
		if err != nil {
			return nil, err
		}
		sigs = append(sigs, s)
	}
	return NewTable(sigs)
}

func (fs fileSignature) decode() (Signature, error) {
	pattern, wild, err := decodeHex(fs.Pattern)
	if err != nil {
		return Signature{}, fmt.Errorf("signature %s: pattern: %w", fs.Name, err)
	}

	var mask []byte
	if fs.Mask != "" {
		if mask, _, err = decodeHex(fs.Mask); err != nil {
			return Signature{}, fmt.Errorf("signature %s: mask: %w", fs.Name, err)
		}
	} else {
		mask = bytes.Repeat([]byte{0xFF}, len(pattern))
		for _, i := range wild {
			mask[i] = 0
		}
	}

	arch := memory.Arch(fs.Arch)
	step := fs.Step
	if step == 0 {
		step = int(arch.InstructionAlign())
	}
	window := fs.Window
	if window == 0 {
		window = 32
	}

	return Signature{
		Name:          fs.Name,
		Arch:          arch,
		Pattern:       pattern,
		Mask:          mask,
		PayloadOffset: fs.PayloadOffset,
		Window:        window,
		Step:          step,
	}, nil
}

// decodeHex parses hex bytes, treating "??" as a zero byte whose index is
// returned in wild.
func decodeHex(s string) ([]byte, []int, error) {
	s = strings.Join(strings.Fields(s), "")
	if len(s)%2 != 0 {
		return nil, nil, fmt.Errorf("odd number of hex digits")
	}
	out := make([]byte, 0, len(s)/2)
	var wild []int
	for i := 0; i < len(s); i += 2 {
		pair := s[i : i+2]
		if pair == "??" {
			wild = append(wild, len(out))
			out = append(out, 0)
			continue
		}
		b, err := hex.DecodeString(pair)
		if err != nil {
			return nil, nil, err
		}
		out = append(out, b[0])
	}
	return out, wild, nil
}
