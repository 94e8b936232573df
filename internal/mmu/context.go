// Package mmu turns kernel virtual addresses into physical ones without
// help from the crashed system: linear-map arithmetic, the relocated
// kernel image, and software page-table walks.
package mmu

import "fmt"

type Variant int

const (
	Armv8 Variant = iota
	Armv7
	Armv7LPAE
)

func (v Variant) String() string {
	switch v {
	case Armv7:
		return "armv7"
	case Armv7LPAE:
		return "armv7-lpae"
	default:
		return "armv8"
	}
}

func ParseVariant(s string) (Variant, error) {
	switch s {
	case "arm64", "armv8":
		return Armv8, nil
	case "arm", "armv7":
		return Armv7, nil
	case "arm-lpae", "armv7-lpae", "lpae":
		return Armv7LPAE, nil
	}
	return 0, fmt.Errorf("mmu: unknown architecture %q", s)
}

// Is64 reports whether pointers are 8 bytes wide.
func (v Variant) Is64() bool { return v == Armv8 }

const (
	DefaultVABits          = 39
	DefaultArmv7PageOffset = 0xC0000000
)

// Context is the translation state of one session. It is filled in
// during bootstrap and never changes afterwards.
type Context struct {
	Variant Variant
	VABits  uint8
	// FlippedVA selects the 5.4+ arm64 layout where the linear map sits
	// in the lower half of the kernel VA space.
	FlippedVA bool

	PageOffset  uint64
	PhysOffset  uint64
	KASLROffset uint64

	// Relocated kernel image bounds, [KimageVaddr, KimageEnd).
	KimageVaddr      uint64
	KimageEnd        uint64
	KimageVoffset    uint64
	HasKimageVoffset bool

	// LinearEnd bounds the 32-bit lowmem map (high_memory). Zero means
	// everything from PageOffset up is linear.
	LinearEnd uint64

	// PgdPhys is the physical address of swapper_pg_dir.
	PgdPhys uint64
}

// DefaultPageOffset returns PAGE_OFFSET for the variant.
func DefaultPageOffset(v Variant, vaBits uint8, flipped bool) uint64 {
	if v != Armv8 {
		return DefaultArmv7PageOffset
	}
	if flipped {
		return ^uint64(0) << vaBits
	}
	return ^uint64(0) << (vaBits - 1)
}

// PACIgnore strips a pointer-authentication code. Pointers whose bits
// above vaBits are already all zero or all one come back unchanged;
// anything else is forced to the kernel's canonical all-ones pattern.
func PACIgnore(addr uint64, vaBits uint8) uint64 {
	if vaBits == 0 || vaBits >= 64 {
		return addr
	}
	top := addr >> vaBits
	if top == 0 || top == ^uint64(0)>>vaBits {
		return addr
	}
	return addr | ^(uint64(1)<<vaBits - 1)
}
