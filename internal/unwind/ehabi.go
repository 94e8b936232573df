package unwind

import (
	"fmt"
	"sort"
)

const (
	regFP = 11
	regSP = 13
	regLR = 14
	regPC = 15

	cannotUnwind = 1
	// Index entries whose offset is at or above this value point
	// backwards from the table.
	originSplit = 0x40000000
	entrySize   = 8
)

// IndexEntry is one decoded __start_unwind_idx record.
type IndexEntry struct {
	// Addr is the virtual address of the record itself.
	Addr     uint64
	FuncAddr uint64
	Insn     uint32
}

// Index is the kernel EHABI table, sorted by function address.
type Index struct {
	entries []IndexEntry
	// origin is the first entry with a forward offset. It is zero for
	// tables holding absolute addresses. Lookups don't need it once the
	// offsets are decoded.
	origin int
}

// prel31 decodes a 31-bit place-relative offset stored at addr.
func prel31(addr uint64, word uint32) uint64 {
	off := int64(int32(word<<1) >> 1)
	return uint64(int64(uint32(addr)) + off) & 0xffffffff
}

// LoadIndex reads the table between start and stop. Kernels before 3.4
// relocate the function words in place at boot, so absolute selects
// that form; later kernels keep prel31 offsets.
func LoadIndex(mem Memory, start, stop uint64, absolute bool) (*Index, error) {
	if stop < start || (stop-start)%entrySize != 0 {
		return nil, fmt.Errorf("malformed unwind index bounds 0x%x-0x%x", start, stop)
	}
	n := int((stop - start) / entrySize)
	idx := &Index{entries: make([]IndexEntry, 0, n)}
	origin := -1
	for i := 0; i < n; i++ {
		addr := start + uint64(i)*entrySize
		word, ok1 := mem.ReadU32(addr)
		insn, ok2 := mem.ReadU32(addr + 4)
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("unwind index entry at 0x%x is not readable", addr)
		}
		e := IndexEntry{Addr: addr, Insn: insn, FuncAddr: uint64(word)}
		if !absolute {
			e.FuncAddr = prel31(addr, word)
			if origin < 0 && word&0x7fffffff < originSplit {
				origin = i
			}
		}
		idx.entries = append(idx.entries, e)
	}
	if origin < 0 {
		origin = len(idx.entries)
	}
	if absolute {
		origin = 0
	}
	idx.origin = origin
	return idx, nil
}

// NewIndex builds an index from already decoded entries.
func NewIndex(entries []IndexEntry) *Index {
	sorted := append([]IndexEntry(nil), entries...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].FuncAddr < sorted[j].FuncAddr })
	return &Index{entries: sorted}
}

func (x *Index) Len() int { return len(x.entries) }

// Origin returns the split point between backward and forward entries.
func (x *Index) Origin() int { return x.origin }

// Find returns the entry covering pc: the last one whose function starts
// at or below it.
func (x *Index) Find(pc uint64) (IndexEntry, bool) {
	i := sort.Search(len(x.entries), func(i int) bool { return x.entries[i].FuncAddr > pc })
	if i == 0 {
		return IndexEntry{}, false
	}
	return x.entries[i-1], true
}

// ucb is the control block of one EHABI program run.
type ucb struct {
	mem     Memory
	vrs     [16]uint64
	insn    uint64
	inline  uint32
	isLocal bool
	entries int
	byte    int
	failed  StopReason
}

func (c *ucb) word() (uint32, bool) {
	if c.isLocal {
		return c.inline, true
	}
	return c.mem.ReadU32(c.insn)
}

func (c *ucb) nextByte() (byte, bool) {
	if c.entries <= 0 {
		c.failed = StopBadOpcode
		return 0, false
	}
	w, ok := c.word()
	if !ok {
		c.failed = StopReadFailed
		return 0, false
	}
	b := byte(w >> (uint(c.byte) * 8))
	if c.byte == 0 {
		c.insn += 4
		c.isLocal = false
		c.entries--
		c.byte = 3
	} else {
		c.byte--
	}
	return b, true
}

func (c *ucb) pop(vsp *uint64) (uint64, bool) {
	v, ok := c.mem.ReadU32(*vsp)
	if !ok {
		c.failed = StopReadFailed
		return 0, false
	}
	*vsp += 4
	return uint64(v), true
}

// popMask loads registers first..first+n for each set bit of mask.
func (c *ucb) popMask(mask uint32, first int) (uint64, bool) {
	vsp := c.vrs[regSP]
	for reg := first; mask != 0; reg, mask = reg+1, mask>>1 {
		if mask&1 == 0 {
			continue
		}
		v, ok := c.pop(&vsp)
		if !ok {
			return 0, false
		}
		c.vrs[reg] = v
	}
	return vsp, true
}

func (c *ucb) exec() bool {
	op, ok := c.nextByte()
	if !ok {
		return false
	}
	switch {
	case op&0xc0 == 0x00:
		c.vrs[regSP] += uint64(op&0x3f)<<2 + 4
	case op&0xc0 == 0x40:
		c.vrs[regSP] -= uint64(op&0x3f)<<2 + 4
	case op&0xf0 == 0x80:
		lo, ok := c.nextByte()
		if !ok {
			return false
		}
		mask := (uint32(op)<<8 | uint32(lo)) & 0x0fff
		if mask == 0 {
			c.failed = StopRefused
			return false
		}
		loadSP := mask&(1<<(regSP-4)) != 0
		vsp, ok := c.popMask(mask, 4)
		if !ok {
			return false
		}
		if !loadSP {
			c.vrs[regSP] = vsp
		}
	case op&0xf0 == 0x90 && op&0x0d != 0x0d:
		c.vrs[regSP] = c.vrs[op&0x0f]
	case op&0xf0 == 0xa0:
		vsp := c.vrs[regSP]
		for reg := 4; reg <= 4+int(op&7); reg++ {
			v, ok := c.pop(&vsp)
			if !ok {
				return false
			}
			c.vrs[reg] = v
		}
		if op&0x08 != 0 {
			v, ok := c.pop(&vsp)
			if !ok {
				return false
			}
			c.vrs[regLR] = v
		}
		c.vrs[regSP] = vsp
	case op == 0xb0:
		if c.vrs[regPC] == 0 {
			c.vrs[regPC] = c.vrs[regLR]
		}
		c.entries = 0
	case op == 0xb1:
		mask, ok := c.nextByte()
		if !ok {
			return false
		}
		if mask == 0 || mask&0xf0 != 0 {
			c.failed = StopBadOpcode
			return false
		}
		vsp, ok := c.popMask(uint32(mask), 0)
		if !ok {
			return false
		}
		c.vrs[regSP] = vsp
	case op == 0xb2:
		uleb, ok := c.nextByte()
		if !ok {
			return false
		}
		c.vrs[regSP] += 0x204 + uint64(uleb)<<2
	default:
		c.failed = StopBadOpcode
		return false
	}
	return true
}

// ehabi unwinds 32-bit ARM frames through the kernel unwind index.
type ehabi struct {
	mem        Memory
	index      *Index
	threadSize uint64
}

func (e ehabi) step(s state, bounds StackBounds) (state, StopReason, bool) {
	if !s.hasPC {
		return state{}, StopNoPC, false
	}
	low, high := s.sp, bounds.High
	if high == 0 {
		high = alignUp(low, e.threadSize)
	}
	entry, ok := e.index.Find(s.pc)
	if !ok {
		return state{}, StopNoIndex, false
	}
	c := &ucb{mem: e.mem}
	c.vrs[regFP] = s.fp
	c.vrs[regSP] = s.sp
	c.vrs[regLR] = s.lr

	switch {
	case entry.Insn == cannotUnwind:
		return state{}, StopCannotUnwind, false
	case entry.Insn&0x80000000 == 0:
		c.insn = prel31(entry.Addr+4, entry.Insn)
	case entry.Insn&0xff000000 == 0x80000000:
		c.insn = entry.Addr + 4
		c.inline, c.isLocal = entry.Insn, true
	default:
		return state{}, StopBadOpcode, false
	}

	head, ok := c.word()
	if !ok {
		return state{}, StopReadFailed, false
	}
	switch head & 0xff000000 {
	case 0x80000000:
		c.byte, c.entries = 2, 1
	case 0x81000000:
		c.byte, c.entries = 1, 1+int(head>>16&0xff)
	default:
		return state{}, StopBadOpcode, false
	}

	for c.entries > 0 {
		if !c.exec() {
			return state{}, c.failed, false
		}
		if sp := c.vrs[regSP]; sp < low || sp >= high {
			return state{}, StopOutOfBounds, false
		}
	}
	if c.vrs[regPC] == 0 {
		c.vrs[regPC] = c.vrs[regLR]
	}
	if c.vrs[regPC] == s.pc {
		return state{}, StopNoProgress, false
	}
	return state{
		fp:    c.vrs[regFP],
		sp:    c.vrs[regSP],
		lr:    c.vrs[regLR],
		pc:    c.vrs[regPC],
		hasPC: true,
	}, 0, true
}
