package art

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"unicode/utf16"

	"github.com/hookguard/hookguard/internal/memory"
)

// Dex header field positions.
const (
	dexMagic         = "dex\n"
	dexHeaderSize    = 0x70
	dexStringIDsSize = 0x38
	dexStringIDsOff  = 0x3c
	dexTypeIDsSize   = 0x40
	dexTypeIDsOff    = 0x44
	dexProtoIDsSize  = 0x48
	dexProtoIDsOff   = 0x4c
	dexFieldIDsSize  = 0x50
	dexFieldIDsOff   = 0x54
	dexMethodIDsSize = 0x58
	dexMethodIDsOff  = 0x5c
	dexFileSize      = 0x20

	// maxStringBytes bounds a MUTF-8 string read from foreign memory.
	maxStringBytes = 4096
	// maxParams bounds a parameter type list.
	maxParams = 256
)

var errDexBounds = errors.New("dex index out of range")

type idTable struct {
	size uint32
	off  uint32
}

// dexFile reads names out of a dex image mapped in the target.
type dexFile struct {
	as      memory.AddressSpace
	begin   uint64
	size    uint32
	strings idTable
	types   idTable
	protos  idTable
	fields  idTable
	methods idTable

	cache map[uint32]string
}

func openDex(as memory.AddressSpace, begin uint64) (*dexFile, error) {
	hdr, err := memory.ReadBytes(as, begin, dexHeaderSize)
	if err != nil {
		return nil, fmt.Errorf("failed to read dex header at 0x%x: %w", begin, err)
	}
	if !bytes.HasPrefix(hdr, []byte(dexMagic)) && !bytes.HasPrefix(hdr, []byte("cdex")) {
		return nil, fmt.Errorf("no dex magic at 0x%x", begin)
	}
	u32 := func(off int) uint32 { return memory.Order.Uint32(hdr[off:]) }
	tab := func(size, off int) idTable { return idTable{size: u32(size), off: u32(off)} }

	return &dexFile{
		as:      as,
		begin:   begin,
		size:    u32(dexFileSize),
		strings: tab(dexStringIDsSize, dexStringIDsOff),
		types:   tab(dexTypeIDsSize, dexTypeIDsOff),
		protos:  tab(dexProtoIDsSize, dexProtoIDsOff),
		fields:  tab(dexFieldIDsSize, dexFieldIDsOff),
		methods: tab(dexMethodIDsSize, dexMethodIDsOff),
		cache:   make(map[uint32]string),
	}, nil
}

func (d *dexFile) item(t idTable, idx uint32, width uint64) (uint64, error) {
	if idx >= t.size {
		return 0, errDexBounds
	}
	return d.begin + uint64(t.off) + uint64(idx)*width, nil
}

func (d *dexFile) u16(addr uint64) (uint16, error) {
	var b [2]byte
	if err := d.as.ReadAt(b[:], addr); err != nil {
		return 0, err
	}
	return memory.Order.Uint16(b[:]), nil
}

// String returns string_ids[idx] decoded from MUTF-8.
func (d *dexFile) String(idx uint32) (string, error) {
	if s, ok := d.cache[idx]; ok {
		return s, nil
	}
	addr, err := d.item(d.strings, idx, 4)
	if err != nil {
		return "", err
	}
	off, err := memory.ReadU32(d.as, addr)
	if err != nil {
		return "", err
	}

	data := d.begin + uint64(off)
	// uleb128 utf16 length, then the NUL terminated bytes.
	head, err := memory.ReadBytes(d.as, data, 5)
	if err != nil {
		return "", err
	}
	utf16Len, n := uleb128(head)
	if n == 0 {
		return "", fmt.Errorf("bad string length at 0x%x", data)
	}

	// A MUTF-8 encoding uses at most three bytes per UTF-16 unit.
	limit := min(uint64(utf16Len)*3+1, maxStringBytes)
	raw, err := d.readCString(data+uint64(n), int(limit))
	if err != nil {
		return "", err
	}
	s := decodeMUTF8(raw)
	d.cache[idx] = s
	return s, nil
}

// readCString reads up to limit bytes and cuts at the first NUL. Reads
// shrink when the string ends near the end of a mapping.
func (d *dexFile) readCString(addr uint64, limit int) ([]byte, error) {
	buf := make([]byte, limit)
	for n := limit; n > 0; n /= 2 {
		if err := d.as.ReadAt(buf[:n], addr); err != nil {
			continue
		}
		if i := bytes.IndexByte(buf[:n], 0); i >= 0 {
			return buf[:i], nil
		}
		return buf[:n], nil
	}
	return nil, fmt.Errorf("unreadable string data at 0x%x", addr)
}

// TypeDescriptor returns the descriptor of type_ids[idx].
func (d *dexFile) TypeDescriptor(idx uint32) (string, error) {
	addr, err := d.item(d.types, idx, 4)
	if err != nil {
		return "", err
	}
	sidx, err := memory.ReadU32(d.as, addr)
	if err != nil {
		return "", err
	}
	return d.String(sidx)
}

// Method returns the class descriptor, name and proto signature of
// method_ids[idx], for example "(ILjava/lang/String;)V".
func (d *dexFile) Method(idx uint32) (class, name, proto string, err error) {
	addr, err := d.item(d.methods, idx, 8)
	if err != nil {
		return "", "", "", err
	}
	raw, err := memory.ReadBytes(d.as, addr, 8)
	if err != nil {
		return "", "", "", err
	}
	classIdx := uint32(memory.Order.Uint16(raw))
	protoIdx := uint32(memory.Order.Uint16(raw[2:]))
	nameIdx := memory.Order.Uint32(raw[4:])

	if class, err = d.TypeDescriptor(classIdx); err != nil {
		return "", "", "", err
	}
	if name, err = d.String(nameIdx); err != nil {
		return "", "", "", err
	}
	if proto, err = d.Proto(protoIdx); err != nil {
		return "", "", "", err
	}
	return class, name, proto, nil
}

// Proto renders proto_ids[idx] as "(params)return".
func (d *dexFile) Proto(idx uint32) (string, error) {
	addr, err := d.item(d.protos, idx, 12)
	if err != nil {
		return "", err
	}
	raw, err := memory.ReadBytes(d.as, addr, 12)
	if err != nil {
		return "", err
	}
	ret, err := d.TypeDescriptor(memory.Order.Uint32(raw[4:]))
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteByte('(')
	if paramsOff := memory.Order.Uint32(raw[8:]); paramsOff != 0 {
		list := d.begin + uint64(paramsOff)
		count, err := memory.ReadU32(d.as, list)
		if err != nil {
			return "", err
		}
		if count > maxParams {
			return "", fmt.Errorf("parameter list of %d entries at 0x%x", count, list)
		}
		for i := uint32(0); i < count; i++ {
			tidx, err := d.u16(list + 4 + 2*uint64(i))
			if err != nil {
				return "", err
			}
			t, err := d.TypeDescriptor(uint32(tidx))
			if err != nil {
				return "", err
			}
			sb.WriteString(t)
		}
	}
	sb.WriteByte(')')
	sb.WriteString(ret)
	return sb.String(), nil
}

// Field returns the name and type descriptor of field_ids[idx].
func (d *dexFile) Field(idx uint32) (name, typ string, err error) {
	addr, err := d.item(d.fields, idx, 8)
	if err != nil {
		return "", "", err
	}
	raw, err := memory.ReadBytes(d.as, addr, 8)
	if err != nil {
		return "", "", err
	}
	if typ, err = d.TypeDescriptor(uint32(memory.Order.Uint16(raw[2:]))); err != nil {
		return "", "", err
	}
	if name, err = d.String(memory.Order.Uint32(raw[4:])); err != nil {
		return "", "", err
	}
	return name, typ, nil
}

func uleb128(b []byte) (uint32, int) {
	var v uint32
	for i := 0; i < len(b) && i < 5; i++ {
		v |= uint32(b[i]&0x7f) << (7 * i)
		if b[i]&0x80 == 0 {
			return v, i + 1
		}
	}
	return 0, 0
}

// decodeMUTF8 decodes modified UTF-8: NUL is encoded as C0 80 and
// supplementary characters as surrogate pairs.
func decodeMUTF8(b []byte) string {
	units := make([]uint16, 0, len(b))
	for i := 0; i < len(b); {
		c := b[i]
		switch {
		case c < 0x80:
			units = append(units, uint16(c))
			i++
		case c&0xe0 == 0xc0 && i+1 < len(b):
			units = append(units, uint16(c&0x1f)<<6|uint16(b[i+1]&0x3f))
			i += 2
		case c&0xf0 == 0xe0 && i+2 < len(b):
			units = append(units, uint16(c&0x0f)<<12|uint16(b[i+1]&0x3f)<<6|uint16(b[i+2]&0x3f))
			i += 3
		default:
			units = append(units, 0xfffd)
			i++
		}
	}
	return string(utf16.Decode(units))
}

// DottedName converts a type descriptor to its source form:
// "Ljava/lang/String;" becomes "java.lang.String" and "[I" becomes "int[]".
func DottedName(desc string) string {
	dims := 0
	for dims < len(desc) && desc[dims] == '[' {
		dims++
	}
	base := desc[dims:]
	var name string
	switch base {
	case "Z":
		name = "boolean"
	case "B":
		name = "byte"
	case "C":
		name = "char"
	case "S":
		name = "short"
	case "I":
		name = "int"
	case "J":
		name = "long"
	case "F":
		name = "float"
	case "D":
		name = "double"
	case "V":
		name = "void"
	default:
		name = strings.ReplaceAll(strings.TrimSuffix(strings.TrimPrefix(base, "L"), ";"), "/", ".")
	}
	return name + strings.Repeat("[]", dims)
}

// IsReferenceType reports whether a field descriptor names an object type.
func IsReferenceType(desc string) bool {
	return strings.HasPrefix(desc, "L") || strings.HasPrefix(desc, "[")
}
