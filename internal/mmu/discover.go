package mmu

import (
	"bytes"
	"encoding/binary"
	"log/slog"
	"strconv"

	"github.com/VladMinzatu/ramparse/internal/physmem"
)

const kaslrCookie = 0xdead4ead

// Candidate load addresses are tried at decreasing alignment.
var scanGranules = []uint64{2 << 20, 512 << 10, 64 << 10}

// RangeReader is a PhysReader that can also list what it covers.
type RangeReader interface {
	PhysReader
	Ranges() []physmem.Range
}

// SymbolSource yields link-time symbol addresses.
type SymbolSource interface {
	AddressOf(symbol string) (uint64, bool)
}

type DiscoverOptions struct {
	Variant    Variant
	VABits     uint8
	PageOffset uint64

	// CookieAddr is the board-specific physical address of the
	// KASLR cookie, if the board has one.
	CookieAddr uint64
	HasCookie  bool

	// Slide is a slide known up front, for example from configuration.
	// It takes the place of the cookie.
	Slide    uint64
	HasSlide bool

	// Banner is the expected linux_banner text, used by the ARMv7 and
	// pre-kimage arm64 phys_offset scan.
	Banner string
}

// Offsets is the outcome of discovery. Anything not found is zero.
type Offsets struct {
	KASLROffset      uint64
	KASLRFound       bool
	LoadAddr         uint64
	KimageVoffset    uint64
	HasKimageVoffset bool
	PhysOffset       uint64
	PhysOffsetFound  bool

	// LoadGuessed is set when no candidate matched kimage_voffset and the
	// image was placed by guessLoad instead.
	LoadGuessed bool
}

// Discover recovers the KASLR slide, the physical load address of the
// kernel image and PHYS_OFFSET. It must run once, before the resulting
// Context is used for translation. Failing searches are not errors:
// the value stays zero and a warning is logged.
func Discover(mem RangeReader, syms SymbolSource, opts DiscoverOptions, logger *slog.Logger) Offsets {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.VABits == 0 {
		opts.VABits = DefaultVABits
	}
	var off Offsets

	if opts.Variant != Armv8 {
		off.PhysOffset, off.PhysOffsetFound = scanBanner(mem, syms, opts.PageOffset, opts.Banner)
		if !off.PhysOffsetFound {
			logger.Warn("linux_banner not found at any candidate phys_offset; assuming 0")
		} else {
			logger.Info("Discovered phys_offset", "phys_offset", hex(off.PhysOffset))
		}
		return off
	}

	fromCookie := false
	if opts.HasSlide {
		off.KASLROffset, off.KASLRFound = opts.Slide, true
	} else if opts.HasCookie {
		if slide, ok := readCookie(mem, opts.CookieAddr); ok {
			off.KASLROffset, off.KASLRFound = slide, true
			fromCookie = true
			logger.Info("KASLR cookie found", "addr", hex(opts.CookieAddr), "kaslr", hex(slide))
		} else {
			logger.Debug("No KASLR cookie at configured address", "addr", hex(opts.CookieAddr))
		}
	}

	text, hasText := syms.AddressOf("_text")
	_, hasKvo := syms.AddressOf("kimage_voffset")
	switch {
	case hasText && hasKvo:
		s := loadScan{mem: mem, syms: syms, text: text, vaBits: opts.VABits, slide: off.KASLROffset, slideKnown: off.KASLRFound}
		load, kvo, slide, ok := s.run()
		if !ok && fromCookie {
			logger.Warn("KASLR cookie does not match the image; scanning for the load address", "kaslr", hex(s.slide))
			s.slide, s.slideKnown = 0, false
			load, kvo, slide, ok = s.run()
		}
		if ok {
			off.LoadAddr = load
			off.KimageVoffset, off.HasKimageVoffset = kvo, true
			off.KASLROffset, off.KASLRFound = slide, true
			logger.Info("Discovered kernel load address", "load", hex(load), "kimage_voffset", hex(kvo), "kaslr", hex(slide))
			break
		}
		if !opts.HasSlide {
			off.KASLROffset, off.KASLRFound = 0, false
		}
		logger.Warn("No load address candidate matched kimage_voffset; assuming KASLR slide", "kaslr", hex(off.KASLROffset))
		if load, ok := guessLoad(mem, syms, text, opts.Banner); ok {
			off.LoadAddr, off.LoadGuessed = load, true
			off.KimageVoffset, off.HasKimageVoffset = text+off.KASLROffset-load, true
			logger.Warn("Guessed kernel load address", "load", hex(load), "kimage_voffset", hex(off.KimageVoffset))
		}
	case !off.KASLRFound:
		logger.Warn("Kernel has no kimage_voffset; assuming zero KASLR slide")
	}

	if off.HasKimageVoffset {
		if ms, ok := syms.AddressOf("memstart_addr"); ok {
			v, ok := readU64(mem, ms+off.KASLROffset-off.KimageVoffset)
			if ok {
				off.PhysOffset, off.PhysOffsetFound = v, true
			}
		}
	} else if hasText {
		// Pre-4.6 arm64 links the image into the linear map.
		if base, ok := scanBanner(mem, syms, opts.PageOffset, opts.Banner); ok {
			off.PhysOffset, off.PhysOffsetFound = base, true
			off.LoadAddr = text - opts.PageOffset + base
		}
	}
	if off.PhysOffsetFound {
		logger.Info("Discovered phys_offset", "phys_offset", hex(off.PhysOffset))
	} else {
		logger.Warn("Could not determine phys_offset; assuming 0")
	}
	return off
}

func readU64(mem PhysReader, addr uint64) (uint64, bool) {
	b, ok := mem.Read(addr, 8)
	if !ok {
		return 0, false
	}
	return binary.LittleEndian.Uint64(b), true
}

func readCookie(mem PhysReader, addr uint64) (uint64, bool) {
	b, ok := mem.Read(addr, 12)
	if !ok || binary.LittleEndian.Uint32(b) != kaslrCookie {
		return 0, false
	}
	return binary.LittleEndian.Uint64(b[4:]), true
}

// candidates calls fn for each granule-aligned address in [lo, hi] of
// every range, skipping addresses already tried at a coarser granule.
// It stops when fn returns true.
func candidates(ranges []physmem.Range, shift uint64, fn func(base uint64) bool) bool {
	for gi, g := range scanGranules {
		for _, r := range ranges {
			if r.End < shift {
				continue
			}
			lo := uint64(0)
			if r.Start > shift {
				lo = r.Start - shift
			}
			hi := r.End - shift
			for base := (lo + g - 1) &^ (g - 1); base <= hi && base >= lo; base += g {
				if gi > 0 && base%scanGranules[gi-1] == 0 {
					continue
				}
				if fn(base) {
					return true
				}
			}
		}
	}
	return false
}

type loadScan struct {
	mem        RangeReader
	syms       SymbolSource
	text       uint64
	vaBits     uint8
	slide      uint64
	slideKnown bool
}

// run finds the physical address the image was loaded at by checking
// where the stored kimage_voffset agrees with the candidate.
func (s loadScan) run() (load, kvo, slide uint64, ok bool) {
	kvoSym, _ := s.syms.AddressOf("kimage_voffset")
	kvSym, hasKV := s.syms.AddressOf("kimage_vaddr")
	delta := kvoSym - s.text

	found := candidates(s.mem.Ranges(), 0, func(base uint64) bool {
		stored, ok := readU64(s.mem, base+delta)
		if !ok {
			return false
		}
		if s.slideKnown {
			if s.text+s.slide-base != stored {
				return false
			}
			load, kvo, slide = base, stored, s.slide
			return true
		}
		virt := stored + base
		if virt < s.text {
			return false
		}
		k := virt - s.text
		if k%(64<<10) != 0 || k >= uint64(1)<<(s.vaBits-2) {
			return false
		}
		if hasKV {
			kv, ok := readU64(s.mem, base+kvSym-s.text)
			if !ok || kv < k || kv-k > s.text || s.text-(kv-k) >= 2<<20 {
				return false
			}
		}
		load, kvo, slide = base, stored, k
		return true
	})
	return load, kvo, slide, found
}

// guessLoad places the image where linux_banner sits at its link-time
// distance from _text, or failing that at the first 2 MiB boundary of
// memory.
func guessLoad(mem RangeReader, syms SymbolSource, text uint64, banner string) (uint64, bool) {
	if load, ok := scanBanner(mem, syms, text, banner); ok {
		return load, true
	}
	for _, r := range mem.Ranges() {
		if load := (r.Start + 2<<20 - 1) &^ (2<<20 - 1); load <= r.End {
			return load, true
		}
	}
	return 0, false
}

// scanBanner looks for PHYS_OFFSET by checking where linux_banner would
// sit in the linear map for each candidate base.
func scanBanner(mem RangeReader, syms SymbolSource, pageOffset uint64, banner string) (uint64, bool) {
	sym, ok := syms.AddressOf("linux_banner")
	if !ok || banner == "" || sym < pageOffset {
		return 0, false
	}
	want := []byte(banner)
	shift := sym - pageOffset
	var found uint64
	ok = candidates(mem.Ranges(), shift, func(base uint64) bool {
		b, ok := mem.Read(base+shift, len(want))
		if ok && bytes.Equal(b, want) {
			found = base
			return true
		}
		return false
	})
	return found, ok
}

func hex(v uint64) string {
	return "0x" + strconv.FormatUint(v, 16)
}
