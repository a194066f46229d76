package trampoline

import (
	"fmt"

	"golang.org/x/arch/arm/armasm"
	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"

	"github.com/hookguard/hookguard/internal/memory"
)

// Disassemble renders code located at pc as GNU syntax lines for audit
// output. Undecodable bytes are rendered as data directives.
func Disassemble(arch memory.Arch, code []byte, pc uint64) []string {
	var lines []string
	for off := 0; off < len(code); {
		text, n := decodeOne(arch, code[off:], pc+uint64(off))
		lines = append(lines, fmt.Sprintf("0x%x: %s", pc+uint64(off), text))
		off += n
	}
	return lines
}

func decodeOne(arch memory.Arch, code []byte, pc uint64) (string, int) {
	switch arch {
	case memory.ArchARM64:
		if len(code) < 4 {
			return dataBytes(code), len(code)
		}
		inst, err := arm64asm.Decode(code)
		if err != nil {
			return fmt.Sprintf(".inst 0x%08x", memory.Order.Uint32(code)), 4
		}
		return arm64asm.GNUSyntax(inst), 4
	case memory.ArchARM:
		if len(code) < 4 {
			return dataBytes(code), len(code)
		}
		inst, err := armasm.Decode(code, armasm.ModeARM)
		if err != nil {
			return fmt.Sprintf(".inst 0x%08x", memory.Order.Uint32(code)), 4
		}
		return armasm.GNUSyntax(inst), inst.Len
	case memory.ArchAMD64, memory.Arch386:
		mode := 64
		if arch == memory.Arch386 {
			mode = 32
		}
		inst, err := x86asm.Decode(code, mode)
		if err != nil || inst.Len == 0 {
			return dataBytes(code[:1]), 1
		}
		return x86asm.GNUSyntax(inst, pc, nil), inst.Len
	}
	// No decoder for this ISA; fall back to instruction words.
	if len(code) >= 4 {
		return fmt.Sprintf(".inst 0x%08x", memory.Order.Uint32(code)), 4
	}
	return dataBytes(code), len(code)
}

func dataBytes(b []byte) string {
	s := ".byte "
	for i, v := range b {
		if i > 0 {
			s += ", "
		}
		s += fmt.Sprintf("0x%02x", v)
	}
	return s
}
