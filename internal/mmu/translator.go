package mmu

import (
	"encoding/binary"
	"log/slog"
)

const pageSize = 0x1000

// Translator implements VirtToPhys over a fixed Context. All methods are
// safe for concurrent use.
type Translator struct {
	ctx    Context
	mem    PhysReader
	walker Walker
	logger *slog.Logger
}

func NewTranslator(ctx Context, mem PhysReader, logger *slog.Logger) *Translator {
	if logger == nil {
		logger = slog.Default()
	}
	if ctx.VABits == 0 {
		ctx.VABits = DefaultVABits
	}
	return &Translator{
		ctx:    ctx,
		mem:    mem,
		walker: NewWalker(ctx.Variant, ctx.VABits, mem),
		logger: logger,
	}
}

func (t *Translator) Context() Context { return t.ctx }

// PACIgnore strips authentication codes on arm64 and is the identity on
// 32-bit variants.
func (t *Translator) PACIgnore(addr uint64) uint64 {
	if !t.ctx.Variant.Is64() {
		return addr & 0xffffffff
	}
	return PACIgnore(addr, t.ctx.VABits)
}

func (t *Translator) PointerSize() int {
	if t.ctx.Variant.Is64() {
		return 8
	}
	return 4
}

func (t *Translator) inKimage(vaddr uint64) bool {
	return t.ctx.HasKimageVoffset && t.ctx.KimageEnd > t.ctx.KimageVaddr &&
		vaddr >= t.ctx.KimageVaddr && vaddr < t.ctx.KimageEnd
}

// IsLinear reports whether vaddr lies in the direct map.
func (t *Translator) IsLinear(vaddr uint64) bool {
	if !t.ctx.Variant.Is64() {
		if t.ctx.LinearEnd != 0 && vaddr >= t.ctx.LinearEnd {
			return false
		}
		return vaddr >= t.ctx.PageOffset && vaddr <= 0xffffffff
	}
	if vaddr < t.ctx.PageOffset {
		return false
	}
	topBit := vaddr>>(t.ctx.VABits-1)&1 == 1
	if t.ctx.FlippedVA {
		return !topBit
	}
	return topBit
}

// VirtToPhys translates a kernel virtual address. It fails only when a
// page-table walk hits an unmapped or uncaptured descriptor.
func (t *Translator) VirtToPhys(vaddr uint64) (uint64, bool) {
	vaddr = t.PACIgnore(vaddr)
	switch {
	case t.inKimage(vaddr):
		return vaddr - t.ctx.KimageVoffset, true
	case t.IsLinear(vaddr):
		return vaddr - t.ctx.PageOffset + t.ctx.PhysOffset, true
	}
	pa, ok := t.walker.Walk(t.ctx.PgdPhys, vaddr)
	if !ok {
		t.logger.Debug("Page-table walk failed", "vaddr", hex(vaddr))
	}
	return pa, ok
}

// PhysToVirt is the inverse of the linear map.
func (t *Translator) PhysToVirt(phys uint64) uint64 {
	return phys - t.ctx.PhysOffset + t.ctx.PageOffset
}

// ReadVirt reads n bytes at vaddr, translating each page separately so
// buffers spanning vmalloc pages work.
func (t *Translator) ReadVirt(vaddr uint64, n int) ([]byte, bool) {
	if n <= 0 {
		return nil, false
	}
	if first := pageSize - vaddr%pageSize; uint64(n) <= first {
		pa, ok := t.VirtToPhys(vaddr)
		if !ok {
			return nil, false
		}
		return t.mem.Read(pa, n)
	}
	out := make([]byte, 0, n)
	for len(out) < n {
		chunk := int(pageSize - vaddr%pageSize)
		if rest := n - len(out); chunk > rest {
			chunk = rest
		}
		pa, ok := t.VirtToPhys(vaddr)
		if !ok {
			return nil, false
		}
		b, ok := t.mem.Read(pa, chunk)
		if !ok {
			return nil, false
		}
		out = append(out, b...)
		vaddr += uint64(chunk)
	}
	return out, true
}

func (t *Translator) ReadU32(vaddr uint64) (uint32, bool) {
	b, ok := t.ReadVirt(vaddr, 4)
	if !ok {
		return 0, false
	}
	return binary.LittleEndian.Uint32(b), true
}

func (t *Translator) ReadU64(vaddr uint64) (uint64, bool) {
	b, ok := t.ReadVirt(vaddr, 8)
	if !ok {
		return 0, false
	}
	return binary.LittleEndian.Uint64(b), true
}

// ReadPointer reads one native-width word.
func (t *Translator) ReadPointer(vaddr uint64) (uint64, bool) {
	if t.ctx.Variant.Is64() {
		return t.ReadU64(vaddr)
	}
	v, ok := t.ReadU32(vaddr)
	return uint64(v), ok
}

// ReadCString reads a NUL-terminated string of at most max bytes.
func (t *Translator) ReadCString(vaddr uint64, max int) (string, bool) {
	var out []byte
	for len(out) < max {
		chunk := int(pageSize - vaddr%pageSize)
		if rest := max - len(out); chunk > rest {
			chunk = rest
		}
		b, ok := t.ReadVirt(vaddr, chunk)
		if !ok {
			if len(out) == 0 {
				return "", false
			}
			break
		}
		for i, c := range b {
			if c == 0 {
				return string(append(out, b[:i]...)), true
			}
		}
		out = append(out, b...)
		vaddr += uint64(chunk)
	}
	return string(out), true
}
