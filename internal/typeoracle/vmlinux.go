package typeoracle

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/cilium/ebpf/btf"
)

const maxStringConst = 4096

// Vmlinux answers from an unstripped vmlinux: symbols from .symtab,
// types from the .BTF section.
type Vmlinux struct {
	f       *os.File
	ef      *elf.File
	symbols map[string]elf.Symbol
	spec    *btf.Spec
	logger  *slog.Logger
}

func OpenVmlinux(path string, logger *slog.Logger) (*Vmlinux, error) {
	if logger == nil {
		logger = slog.Default()
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	ef, err := elf.NewFile(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("typeoracle: %s: %w", path, err)
	}

	syms, err := ef.Symbols()
	if err != nil {
		ef.Close()
		f.Close()
		return nil, fmt.Errorf("typeoracle: %s has no .symtab: %w", path, err)
	}
	v := &Vmlinux{f: f, ef: ef, symbols: make(map[string]elf.Symbol, len(syms)), logger: logger}
	for _, s := range syms {
		if s.Name == "" || s.Section == elf.SHN_UNDEF {
			continue
		}
		if _, dup := v.symbols[s.Name]; !dup {
			v.symbols[s.Name] = s
		}
	}

	spec, err := btf.LoadSpecFromReader(f)
	if err != nil {
		logger.Warn("No usable BTF in vmlinux; type queries will fail", "path", path, "error", err)
	} else {
		v.spec = spec
	}
	logger.Info("Loaded vmlinux", "path", path, "symbols", len(v.symbols), "btf", v.spec != nil)
	return v, nil
}

func (v *Vmlinux) Close() error {
	v.ef.Close()
	return v.f.Close()
}

// ELF exposes the parsed image so symbol extraction can share it.
func (v *Vmlinux) ELF() *elf.File { return v.ef }

func (v *Vmlinux) AddressOf(symbol string) (uint64, bool) {
	s, ok := v.symbols[symbol]
	return s.Value, ok
}

func (v *Vmlinux) ReadStringConst(symbol string) (string, bool) {
	s, ok := v.symbols[symbol]
	if !ok {
		return "", false
	}
	sec := v.sectionFor(s.Value)
	if sec == nil {
		return "", false
	}
	n := s.Size
	if n == 0 || n > maxStringConst {
		n = maxStringConst
	}
	if rest := sec.Addr + sec.Size - s.Value; n > rest {
		n = rest
	}
	buf := make([]byte, n)
	if _, err := sec.ReadAt(buf, int64(s.Value-sec.Addr)); err != nil {
		v.logger.Debug("Failed to read string constant", "symbol", symbol, "error", err)
		return "", false
	}
	if i := bytes.IndexByte(buf, 0); i >= 0 {
		buf = buf[:i]
	}
	return string(buf), true
}

func (v *Vmlinux) sectionFor(addr uint64) *elf.Section {
	for _, sec := range v.ef.Sections {
		if sec.Type == elf.SHT_NOBITS || sec.Flags&elf.SHF_ALLOC == 0 {
			continue
		}
		if sec.Addr <= addr && addr < sec.Addr+sec.Size {
			return sec
		}
	}
	return nil
}

func (v *Vmlinux) lookupType(name string) (btf.Type, error) {
	if v.spec == nil {
		return nil, ErrNotFound
	}
	name = strings.TrimPrefix(strings.TrimPrefix(name, "struct "), "union ")
	var st *btf.Struct
	if err := v.spec.TypeByName(name, &st); err == nil {
		return st, nil
	}
	typ, err := v.spec.AnyTypeByName(name)
	if errors.Is(err, btf.ErrNotFound) {
		return nil, ErrNotFound
	}
	return typ, err
}

func (v *Vmlinux) Sizeof(typeName string) (uint64, bool) {
	typ, err := v.lookupType(typeName)
	if err != nil {
		return 0, false
	}
	n, err := btf.Sizeof(typ)
	if err != nil {
		return 0, false
	}
	return uint64(n), true
}

func (v *Vmlinux) Layout(typeName string) (TypeInfo, bool) {
	typ, err := v.lookupType(typeName)
	if err != nil {
		return TypeInfo{}, false
	}
	return typeInfo(typeName, typ), true
}

// FieldOffset resolves paths directly on BTF so members of anonymous
// structs and unions are found without naming them.
func (v *Vmlinux) FieldOffset(typeName, fieldPath string) (uint64, bool) {
	typ, err := v.lookupType(typeName)
	if err != nil {
		return 0, false
	}
	var off uint64
	for _, part := range strings.Split(fieldPath, ".") {
		m, bits, ok := findMember(btf.UnderlyingType(typ), part)
		if !ok {
			return 0, false
		}
		off += uint64(bits) / 8
		typ = m.Type
	}
	return off, true
}

func members(typ btf.Type) []btf.Member {
	switch t := typ.(type) {
	case *btf.Struct:
		return t.Members
	case *btf.Union:
		return t.Members
	}
	return nil
}

// findMember searches typ for name, descending into anonymous members.
// The returned offset is in bits from the start of typ.
func findMember(typ btf.Type, name string) (btf.Member, btf.Bits, bool) {
	for _, m := range members(typ) {
		if m.Name == name {
			return m, m.Offset, true
		}
		if m.Name == "" {
			if inner, off, ok := findMember(btf.UnderlyingType(m.Type), name); ok {
				return inner, m.Offset + off, true
			}
		}
	}
	return btf.Member{}, 0, false
}

func typeInfo(name string, typ btf.Type) TypeInfo {
	info := TypeInfo{Name: name, Kind: kindOf(btf.UnderlyingType(typ), 0)}
	if n, err := btf.Sizeof(typ); err == nil {
		info.Size = uint64(n)
	}
	flattenMembers(btf.UnderlyingType(typ), 0, &info.Fields)
	return info
}

func flattenMembers(typ btf.Type, base btf.Bits, out *[]Field) {
	for _, m := range members(typ) {
		under := btf.UnderlyingType(m.Type)
		if m.Name == "" {
			flattenMembers(under, base+m.Offset, out)
			continue
		}
		bits := base + m.Offset
		f := Field{
			Name:   m.Name,
			Type:   m.Type.TypeName(),
			Offset: uint64(bits) / 8,
			Kind:   kindOf(under, m.BitfieldSize),
		}
		if n, err := btf.Sizeof(m.Type); err == nil {
			f.Size = uint64(n)
		}
		if m.BitfieldSize > 0 {
			f.BitOffset = uint32(bits % 8)
			f.BitSize = uint32(m.BitfieldSize)
		}
		*out = append(*out, f)
	}
}

func kindOf(typ btf.Type, bitfieldSize btf.Bits) Kind {
	if bitfieldSize > 0 {
		return KindBitfield
	}
	switch typ.(type) {
	case *btf.Struct, *btf.Union:
		return KindStruct
	case *btf.Array:
		return KindArray
	case *btf.Pointer:
		return KindPointer
	default:
		return KindPrimitive
	}
}
