// Package typeoracle answers symbol-address, type-size and field-offset
// questions about the kernel image a dump was taken from.
package typeoracle

import (
	"errors"
	"strings"
)

var ErrNotFound = errors.New("typeoracle: not found")

type Kind int

const (
	KindPrimitive Kind = iota
	KindArray
	KindStruct
	KindBitfield
	KindPointer
)

func (k Kind) String() string {
	switch k {
	case KindArray:
		return "array"
	case KindStruct:
		return "struct"
	case KindBitfield:
		return "bitfield"
	case KindPointer:
		return "pointer"
	default:
		return "primitive"
	}
}

// Field is one member of a composite type. Offset is in bytes from the
// start of the enclosing type; bitfields additionally carry the bit
// position inside that byte and their width.
type Field struct {
	Name      string
	Type      string
	Offset    uint64
	Size      uint64
	Kind      Kind
	BitOffset uint32
	BitSize   uint32
}

type TypeInfo struct {
	Name   string
	Size   uint64
	Kind   Kind
	Fields []Field
}

// Field returns the direct member called name.
func (t TypeInfo) Field(name string) (Field, bool) {
	for _, f := range t.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Oracle is the port every address-space consumer uses to learn about
// kernel symbols and types. Addresses are link-time (unrelocated).
type Oracle interface {
	AddressOf(symbol string) (uint64, bool)
	Sizeof(typeName string) (uint64, bool)
	// FieldOffset accepts dotted paths such as "thread.cpu_context.fp".
	FieldOffset(typeName, fieldPath string) (uint64, bool)
	ReadStringConst(symbol string) (string, bool)
	Layout(typeName string) (TypeInfo, bool)
}

// resolvePath walks a dotted field path through nested layouts.
func resolvePath(layout func(string) (TypeInfo, bool), typeName, path string) (uint64, bool) {
	var off uint64
	cur := typeName
	parts := strings.Split(path, ".")
	for i, part := range parts {
		info, ok := layout(cur)
		if !ok {
			return 0, false
		}
		f, ok := info.Field(part)
		if !ok {
			return 0, false
		}
		off += f.Offset
		if i < len(parts)-1 {
			if f.Kind != KindStruct || f.Type == "" {
				return 0, false
			}
			cur = f.Type
		}
	}
	return off, true
}

// MustAddress is a helper for callers that treat a missing symbol as
// an error.
func MustAddress(o Oracle, symbol string) (uint64, error) {
	if addr, ok := o.AddressOf(symbol); ok {
		return addr, nil
	}
	return 0, &SymbolError{Symbol: symbol}
}

type SymbolError struct {
	Symbol string
}

func (e *SymbolError) Error() string {
	return "typeoracle: symbol " + e.Symbol + " not found"
}

func (e *SymbolError) Unwrap() error { return ErrNotFound }
