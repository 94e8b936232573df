package mmu

import "encoding/binary"

// PhysReader is the slice of the physical memory store the walkers need.
type PhysReader interface {
	Read(addr uint64, n int) ([]byte, bool)
}

// Walker resolves vaddr through the translation tables rooted at the
// physical address base.
type Walker interface {
	Walk(base, vaddr uint64) (uint64, bool)
}

func NewWalker(v Variant, vaBits uint8, mem PhysReader) Walker {
	switch v {
	case Armv7:
		return &shortWalker{mem: mem}
	case Armv7LPAE:
		return &lpaeWalker{mem: mem}
	default:
		return &armv8Walker{mem: mem, vaBits: vaBits}
	}
}

func readDesc32(mem PhysReader, addr uint64) (uint32, bool) {
	b, ok := mem.Read(addr, 4)
	if !ok {
		return 0, false
	}
	return binary.LittleEndian.Uint32(b), true
}

func readDesc64(mem PhysReader, addr uint64) (uint64, bool) {
	b, ok := mem.Read(addr, 8)
	if !ok {
		return 0, false
	}
	return binary.LittleEndian.Uint64(b), true
}

// shortWalker handles ARMv7 short-descriptor tables: a 4096-entry first
// level of sections and coarse tables, and 256-entry second levels.
type shortWalker struct {
	mem PhysReader
}

func (w *shortWalker) Walk(base, vaddr uint64) (uint64, bool) {
	va := uint32(vaddr)
	l1, ok := readDesc32(w.mem, (base&^0x3fff)+uint64(va>>20)*4)
	if !ok {
		return 0, false
	}
	switch l1 & 3 {
	case 1:
		l2base := uint64(l1 &^ 0x3ff)
		l2, ok := readDesc32(w.mem, l2base+uint64((va>>12)&0xff)*4)
		if !ok {
			return 0, false
		}
		switch {
		case l2&3 == 0:
			return 0, false
		case l2&3 == 1: // 64K large page
			return uint64(l2&0xffff0000 | va&0xffff), true
		default: // 4K small page
			return uint64(l2&0xfffff000 | va&0xfff), true
		}
	case 2, 3:
		if l1&(1<<18) != 0 { // supersection
			return uint64(l1&0xff000000 | va&0x00ffffff), true
		}
		return uint64(l1&0xfff00000 | va&0x000fffff), true
	}
	return 0, false
}

const lpaeOAMask = 0x000000fffffff000

// lpaeWalker handles ARMv7 long descriptors: three levels indexed by
// VA bits [31:30], [29:21] and [20:12], 40-bit output addresses.
type lpaeWalker struct {
	mem PhysReader
}

func (w *lpaeWalker) Walk(base, vaddr uint64) (uint64, bool) {
	va := vaddr & 0xffffffff
	table := base &^ 0x1f
	shifts := [3]uint{30, 21, 12}
	for level, shift := range shifts {
		idx := (va >> shift) & 0x1ff
		if level == 0 {
			idx = (va >> shift) & 3
		}
		desc, ok := readDesc64(w.mem, table+idx*8)
		if !ok {
			return 0, false
		}
		low := uint64(1)<<shift - 1
		switch desc & 3 {
		case 1:
			if level == 2 {
				return 0, false
			}
			return desc&lpaeOAMask&^low | va&low, true
		case 3:
			if level == 2 {
				return desc&lpaeOAMask | va&0xfff, true
			}
			table = desc & lpaeOAMask
		default:
			return 0, false
		}
	}
	return 0, false
}

const armv8OAMask = 0x0000fffffffff000

// armv8Walker handles the 4 KiB-granule VMSAv8-64 format. The number of
// levels follows from vaBits.
type armv8Walker struct {
	mem    PhysReader
	vaBits uint8
}

func (w *armv8Walker) Levels() int {
	return (int(w.vaBits) - 12 + 8) / 9
}

func (w *armv8Walker) Walk(base, vaddr uint64) (uint64, bool) {
	levels := w.Levels()
	if levels < 1 || levels > 4 {
		return 0, false
	}
	table := base & armv8OAMask
	for level := 4 - levels; level <= 3; level++ {
		shift := uint(12 + 9*(3-level))
		idx := (vaddr >> shift) & 0x1ff
		if level == 4-levels {
			if top := uint(w.vaBits) - shift; top < 9 {
				idx = (vaddr >> shift) & (uint64(1)<<top - 1)
			}
		}
		desc, ok := readDesc64(w.mem, table+idx*8)
		if !ok {
			return 0, false
		}
		low := uint64(1)<<shift - 1
		switch desc & 3 {
		case 1:
			if level == 0 || level == 3 {
				return 0, false
			}
			return desc&armv8OAMask&^low | vaddr&low, true
		case 3:
			if level == 3 {
				return desc&armv8OAMask | vaddr&0xfff, true
			}
			table = desc & armv8OAMask
		default:
			return 0, false
		}
	}
	return 0, false
}
