package physmem

import (
	"fmt"

	"github.com/dustin/go-humanize"
)

// Kind tags what a segment holds. Reduced dumps use it to tell the
// HLOS image apart from the shared-memory, hypervisor and IMEM regions.
type Kind int

const (
	KindRaw Kind = iota
	KindHLOS
	KindSMEM
	KindHyp
	KindIMEM
	KindELF
)

func (k Kind) String() string {
	switch k {
	case KindHLOS:
		return "hlos"
	case KindSMEM:
		return "smem"
	case KindHyp:
		return "hyp"
	case KindIMEM:
		return "imem"
	case KindELF:
		return "elf"
	default:
		return "raw"
	}
}

// Segment is one contiguous physical range [Start, End] backed by
// Source starting at byte Offset. End is inclusive.
type Segment struct {
	Name   string
	Kind   Kind
	Start  uint64
	End    uint64
	Offset uint64
	Source Source

	// Overlay segments may overlap already registered ones. The
	// overlapping part is dropped so the first registration wins.
	Overlay bool
}

func (s Segment) Size() uint64 {
	return s.End - s.Start + 1
}

// Contains reports whether the segment covers addr.
func (s Segment) Contains(addr uint64) bool {
	return s.Start <= addr && addr <= s.End
}

// ContainsRange reports whether [addr, addr+n) lies inside the segment.
func (s Segment) ContainsRange(addr, n uint64) bool {
	if n == 0 || !s.Contains(addr) {
		return false
	}
	return n-1 <= s.End-addr
}

// FileOffset converts a physical address inside the segment to an
// offset in the backing source.
func (s Segment) FileOffset(addr uint64) uint64 {
	return s.Offset + (addr - s.Start)
}

func (s Segment) String() string {
	name := s.Name
	if name == "" && s.Source != nil {
		name = s.Source.Name()
	}
	return fmt.Sprintf("%s[%s] 0x%x-0x%x (%s)", name, s.Kind, s.Start, s.End, humanize.IBytes(s.Size()))
}

// piece returns the part of s covering [start, end], keeping the
// backing offset consistent.
func (s Segment) piece(start, end uint64) Segment {
	p := s
	p.Start = start
	p.End = end
	p.Offset = s.Offset + (start - s.Start)
	return p
}
