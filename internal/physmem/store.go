// Package physmem unifies the physical-address ranges captured in a
// ramdump into one addressable, read-only byte space.
package physmem

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sort"
)

var (
	ErrOverlap   = errors.New("physmem: segment overlaps a registered segment")
	ErrBadRange  = errors.New("physmem: segment range is empty or inverted")
	ErrShortFile = errors.New("physmem: segment extends past the end of its source")
	ErrNoSegment = errors.New("physmem: no segment covers address")
)

// Range is an inclusive physical address range.
type Range struct {
	Start, End uint64
}

// Store is the set of registered segments, sorted by Start and pairwise
// non-overlapping. Register is not safe for concurrent use; once
// registration is done every read method is.
type Store struct {
	segs    []Segment
	sources []Source
	logger  *slog.Logger
}

func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{logger: logger}
}

// Register adds a segment, keeping the store sorted by Start.
func (s *Store) Register(seg Segment) error {
	if seg.End < seg.Start {
		return fmt.Errorf("%w: 0x%x-0x%x", ErrBadRange, seg.Start, seg.End)
	}
	if seg.Source == nil {
		return fmt.Errorf("physmem: segment 0x%x-0x%x has no source", seg.Start, seg.End)
	}
	if seg.Offset > seg.Source.Size() || seg.Size() > seg.Source.Size()-seg.Offset {
		return fmt.Errorf("%w: %s", ErrShortFile, seg)
	}

	pieces := []Segment{seg}
	if overlapping := s.overlapping(seg.Start, seg.End); len(overlapping) > 0 {
		if !seg.Overlay {
			return fmt.Errorf("%w: %s vs %s", ErrOverlap, seg, overlapping[0])
		}
		pieces = gaps(seg, overlapping)
		s.logger.Debug("Clipped overlay segment", "segment", seg.String(), "pieces", len(pieces))
	}

	for _, p := range pieces {
		i := sort.Search(len(s.segs), func(i int) bool { return p.Start < s.segs[i].Start })
		s.segs = append(s.segs, Segment{})
		copy(s.segs[i+1:], s.segs[i:])
		s.segs[i] = p
		s.logger.Debug("Registered segment", "segment", p.String())
	}
	s.trackSource(seg.Source)
	return nil
}

func (s *Store) trackSource(src Source) {
	for _, known := range s.sources {
		if known == src {
			return
		}
	}
	s.sources = append(s.sources, src)
}

// overlapping returns the registered segments intersecting [start, end].
func (s *Store) overlapping(start, end uint64) []Segment {
	i := sort.Search(len(s.segs), func(i int) bool { return s.segs[i].End >= start })
	var out []Segment
	for ; i < len(s.segs) && s.segs[i].Start <= end; i++ {
		out = append(out, s.segs[i])
	}
	return out
}

// gaps returns the parts of seg not covered by the sorted segments in taken.
func gaps(seg Segment, taken []Segment) []Segment {
	var out []Segment
	cur := seg.Start
	for _, t := range taken {
		if t.Start > cur {
			out = append(out, seg.piece(cur, t.Start-1))
		}
		if t.End >= seg.End {
			return out
		}
		if t.End+1 > cur {
			cur = t.End + 1
		}
	}
	if cur <= seg.End {
		out = append(out, seg.piece(cur, seg.End))
	}
	return out
}

// SegmentFor returns the segment containing addr.
func (s *Store) SegmentFor(addr uint64) (Segment, bool) {
	i := sort.Search(len(s.segs), func(i int) bool { return addr < s.segs[i].Start })
	i--
	if i >= 0 && s.segs[i].Contains(addr) {
		return s.segs[i], true
	}
	return Segment{}, false
}

// Read returns the n bytes at physical address addr. It fails unless a
// single segment covers the whole span; there is no zero-fill.
//
// For mapped and in-memory sources the result is a read-only view into
// the backing data, valid only until Close. Copy anything kept longer.
func (s *Store) Read(addr uint64, n int) ([]byte, bool) {
	if n <= 0 {
		return nil, false
	}
	seg, ok := s.SegmentFor(addr)
	if !ok || !seg.ContainsRange(addr, uint64(n)) {
		return nil, false
	}
	off := seg.FileOffset(addr)
	if sl, ok := seg.Source.(slicer); ok {
		return sl.slice(off, uint64(n))
	}
	buf := make([]byte, n)
	if _, err := seg.Source.ReadAt(buf, int64(off)); err != nil {
		s.logger.Debug("Backing read failed", "source", seg.Source.Name(), "offset", off, "error", err)
		return nil, false
	}
	return buf, true
}

func (s *Store) ReadU32(addr uint64) (uint32, bool) {
	b, ok := s.Read(addr, 4)
	if !ok {
		return 0, false
	}
	return binary.LittleEndian.Uint32(b), true
}

func (s *Store) ReadU64(addr uint64) (uint64, bool) {
	b, ok := s.Read(addr, 8)
	if !ok {
		return 0, false
	}
	return binary.LittleEndian.Uint64(b), true
}

// ReadCString reads a NUL-terminated string of at most max bytes. The
// string may not cross a segment boundary.
func (s *Store) ReadCString(addr uint64, max int) (string, bool) {
	seg, ok := s.SegmentFor(addr)
	if !ok {
		return "", false
	}
	if avail := seg.End - addr + 1; uint64(max) > avail {
		max = int(avail)
	}
	b, ok := s.Read(addr, max)
	if !ok {
		return "", false
	}
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b), true
}

// Segments returns a copy of the registered segments in address order.
func (s *Store) Segments() []Segment {
	out := make([]Segment, len(s.segs))
	copy(out, s.segs)
	return out
}

// Ranges returns the union of registered segments with adjacent ranges
// coalesced.
func (s *Store) Ranges() []Range {
	var out []Range
	for _, seg := range s.segs {
		if n := len(out); n > 0 && out[n-1].End != ^uint64(0) && out[n-1].End+1 == seg.Start {
			out[n-1].End = seg.End
			continue
		}
		out = append(out, Range{Start: seg.Start, End: seg.End})
	}
	return out
}

// Close releases every source registered with the store.
func (s *Store) Close() error {
	var firstErr error
	for _, src := range s.sources {
		if err := src.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.sources = nil
	s.segs = nil
	return firstErr
}
