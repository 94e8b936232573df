package mmu

import (
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VladMinzatu/ramparse/internal/physmem"
)

// image is a physical memory region under construction.
type image struct {
	base uint64
	data []byte
}

func newImage(base uint64, size int) *image {
	return &image{base: base, data: make([]byte, size)}
}

func (m *image) put32(addr uint64, v uint32) {
	binary.LittleEndian.PutUint32(m.data[addr-m.base:], v)
}

func (m *image) put64(addr uint64, v uint64) {
	binary.LittleEndian.PutUint64(m.data[addr-m.base:], v)
}

func storeOf(t *testing.T, imgs ...*image) *physmem.Store {
	t.Helper()
	s := physmem.NewStore(nil)
	for i, img := range imgs {
		require.NoError(t, s.Register(physmem.Segment{
			Name:   fmt.Sprintf("img%d", i),
			Start:  img.base,
			End:    img.base + uint64(len(img.data)) - 1,
			Source: physmem.NewBytesSource(fmt.Sprintf("img%d", i), img.data),
		}))
	}
	return s
}

func TestPACIgnore(t *testing.T) {
	tests := []struct {
		in, want uint64
	}{
		{in: 0x00AABBCC12345678, want: 0xFFFFFFCC12345678},
		{in: 0xffffffc010081234, want: 0xffffffc010081234},
		{in: 0x0000007fdeadbeef, want: 0x0000007fdeadbeef},
		{in: 0x0012ffc010081234, want: 0xffffffc010081234},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("0x%x", tt.in), func(t *testing.T) {
			got := PACIgnore(tt.in, 39)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.in&(1<<39-1), got&(1<<39-1), "low bits preserved")
		})
	}
	assert.Equal(t, uint64(0x00AABBCC12345678), PACIgnore(0x00AABBCC12345678, 0))
}

func TestDefaultPageOffset(t *testing.T) {
	assert.Equal(t, uint64(0xffffff8000000000), DefaultPageOffset(Armv8, 39, true))
	assert.Equal(t, uint64(0xffffffc000000000), DefaultPageOffset(Armv8, 39, false))
	assert.Equal(t, uint64(0xffff000000000000), DefaultPageOffset(Armv8, 48, true))
	assert.Equal(t, uint64(0xC0000000), DefaultPageOffset(Armv7, 0, false))
}

func TestParseVariant(t *testing.T) {
	for in, want := range map[string]Variant{"arm64": Armv8, "arm": Armv7, "arm-lpae": Armv7LPAE} {
		got, err := ParseVariant(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseVariant("x86")
	assert.Error(t, err)
}

func TestTranslator_LinearRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		ctx  Context
		vs   []uint64
	}{
		{
			name: "arm64_flipped",
			ctx:  Context{Variant: Armv8, VABits: 39, FlippedVA: true, PageOffset: DefaultPageOffset(Armv8, 39, true), PhysOffset: 0x80000000},
			vs:   []uint64{0xffffff8000000000, 0xffffff8000001234, 0xffffffbfffffffff, 0xffffff8123456000},
		},
		{
			name: "arm64_legacy",
			ctx:  Context{Variant: Armv8, VABits: 39, PageOffset: DefaultPageOffset(Armv8, 39, false), PhysOffset: 0x40000000},
			vs:   []uint64{0xffffffc000000000, 0xffffffc000abc123, 0xffffffffffffff00},
		},
		{
			name: "armv7",
			ctx:  Context{Variant: Armv7, PageOffset: 0xC0000000, PhysOffset: 0x80000000},
			vs:   []uint64{0xC0000000, 0xC0008000, 0xEFFFFFFF},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewTranslator(tt.ctx, physmem.NewStore(nil), nil)
			for _, v := range tt.vs {
				require.True(t, tr.IsLinear(v), "0x%x", v)
				p, ok := tr.VirtToPhys(v)
				require.True(t, ok)
				assert.Equal(t, v, tr.PhysToVirt(p), "round trip of 0x%x", v)
			}
		})
	}
}

func TestTranslator_KimageRegime(t *testing.T) {
	ctx := Context{
		Variant: Armv8, VABits: 39, FlippedVA: true,
		PageOffset:       DefaultPageOffset(Armv8, 39, true),
		PhysOffset:       0x80000000,
		KimageVaddr:      0xffffffc012340000,
		KimageEnd:        0xffffffc014000000,
		KimageVoffset:    0xffffffc012340000 - 0x80200000,
		HasKimageVoffset: true,
	}
	tr := NewTranslator(ctx, physmem.NewStore(nil), nil)

	p, ok := tr.VirtToPhys(0xffffffc012345678)
	require.True(t, ok)
	assert.Equal(t, uint64(0x80205678), p)

	// A PAC-signed return address resolves like its stripped form.
	p, ok = tr.VirtToPhys(0x003fffc012345678)
	require.True(t, ok)
	assert.Equal(t, uint64(0x80205678), p)

	// Beyond the image end the walk is used, and there are no tables.
	_, ok = tr.VirtToPhys(0xffffffc014000000)
	assert.False(t, ok)
}

func TestArmv8Walker(t *testing.T) {
	const (
		l1 = 0x40000000
		l2 = 0x40001000
		l3 = 0x40002000
	)
	mem := newImage(l1, 0x4000)
	va := uint64(0xffffffc012345678)
	mem.put64(l1+0x100*8, l2|3)
	mem.put64(l2+0x91*8, l3|3)
	mem.put64(l3+0x145*8, 0x00e8000091234703) // page, with attribute bits

	// A 2 MiB block one slot over in L2.
	mem.put64(l2+0x92*8, 0x0060000093400701)

	s := storeOf(t, mem)
	w := NewWalker(Armv8, 39, s)
	assert.Equal(t, 3, w.(*armv8Walker).Levels())

	pa, ok := w.Walk(l1, va)
	require.True(t, ok)
	assert.Equal(t, uint64(0x91234678), pa)

	pa, ok = w.Walk(l1, va+0x200000)
	require.True(t, ok)
	assert.Equal(t, uint64(0x93400000|(va+0x200000)&0x1fffff), pa)

	_, ok = w.Walk(l1, va+0x1000)
	assert.False(t, ok, "invalid L3 descriptor")

	_, ok = w.Walk(0x10000000, va)
	assert.False(t, ok, "table outside captured memory")

	assert.Equal(t, 4, (&armv8Walker{vaBits: 48}).Levels())
}

func TestShortWalker(t *testing.T) {
	const ttb = 0x80004000
	mem := newImage(0x80000000, 0x10000)
	// 1 MiB section for 0xC0100000.
	mem.put32(ttb+0xC01*4, 0x80100000|0x0c02)
	// Coarse table for 0xF0000000 at 0x80008000, with one small and one large page.
	mem.put32(ttb+0xF00*4, 0x80008000|1)
	mem.put32(0x80008000+0x12*4, 0x9abcd000|0x032)
	for i := uint64(0); i < 16; i++ {
		mem.put32(0x80008000+(0x20+i)*4, 0x87650000|0x001)
	}
	// Supersection for 0xD0000000.
	mem.put32(ttb+0xD00*4, 0x45000000|1<<18|2)

	w := NewWalker(Armv7, 0, storeOf(t, mem))

	tests := []struct {
		va, want uint64
		ok       bool
	}{
		{va: 0xC0123456, want: 0x80123456, ok: true},
		{va: 0xF0012abc, want: 0x9abcdabc, ok: true},
		{va: 0xF0020123, want: 0x87650123, ok: true},
		{va: 0xF0021123, want: 0x87651123, ok: true},
		{va: 0xD0abcdef, want: 0x45abcdef, ok: true},
		{va: 0xF0013000, ok: false},
		{va: 0xE0000000, ok: false},
	}
	for _, tt := range tests {
		pa, ok := w.Walk(ttb, tt.va)
		assert.Equal(t, tt.ok, ok, "va=0x%x", tt.va)
		assert.Equal(t, tt.want, pa, "va=0x%x", tt.va)
	}
}

func TestLPAEWalker(t *testing.T) {
	const (
		pgd = 0x80003000
		pmd = 0x80004000
		pte = 0x80005000
	)
	mem := newImage(0x80000000, 0x8000)
	mem.put64(pgd+3*8, pmd|3)
	// 2 MiB block for 0xC0000000.
	mem.put64(pmd+0*8, 0x80000000|0x711)
	// Table for 0xC0200000 with a page at index 5.
	mem.put64(pmd+1*8, pte|3)
	mem.put64(pte+5*8, 0x1_2345_6000|0x713)
	// 1 GiB block for 0x40000000.
	mem.put64(pgd+1*8, 0x1_0000_0000|0x711)

	w := NewWalker(Armv7LPAE, 0, storeOf(t, mem))

	pa, ok := w.Walk(pgd, 0xC0012345)
	require.True(t, ok)
	assert.Equal(t, uint64(0x80012345), pa)

	pa, ok = w.Walk(pgd, 0xC0205abc)
	require.True(t, ok)
	assert.Equal(t, uint64(0x1_2345_6abc), pa)

	pa, ok = w.Walk(pgd, 0x40000010)
	require.True(t, ok)
	assert.Equal(t, uint64(0x1_0000_0010), pa)

	_, ok = w.Walk(pgd, 0xC0206000)
	assert.False(t, ok)
	_, ok = w.Walk(pgd, 0x00001000)
	assert.False(t, ok)
}

func TestTranslator_ReadVirtAcrossPages(t *testing.T) {
	const l1, l2, l3 = 0x40000000, 0x40001000, 0x40002000
	tables := newImage(l1, 0x3000)
	va := uint64(0xffffffc012345ffc)
	tables.put64(l1+0x100*8, l2|3)
	tables.put64(l2+0x91*8, l3|3)
	tables.put64(l3+0x145*8, 0x50000000|3)
	tables.put64(l3+0x146*8, 0x50008000|3)

	data := newImage(0x50000000, 0x9000)
	copy(data.data[0xffc:], "ABCD")
	copy(data.data[0x8000:], "EFGH\x00")

	ctx := Context{Variant: Armv8, VABits: 39, FlippedVA: true, PageOffset: DefaultPageOffset(Armv8, 39, true), PgdPhys: l1}
	tr := NewTranslator(ctx, storeOf(t, tables, data), nil)

	b, ok := tr.ReadVirt(va, 8)
	require.True(t, ok)
	assert.Equal(t, "ABCDEFGH", string(b))

	s, ok := tr.ReadCString(va, 64)
	require.True(t, ok)
	assert.Equal(t, "ABCDEFGH", s)

	v, ok := tr.ReadPointer(va + 4)
	require.True(t, ok)
	assert.Equal(t, uint64(0x48474645), v)

	_, ok = tr.ReadVirt(va+0x2000, 4)
	assert.False(t, ok)
}

type symMap map[string]uint64

func (m symMap) AddressOf(s string) (uint64, bool) {
	v, ok := m[s]
	return v, ok
}

func TestDiscover_Armv8LoadScan(t *testing.T) {
	const (
		text  = 0xffffffc010000000
		kaslr = 0x2340000
		load  = 0x80200000
	)
	syms := symMap{
		"_text":          text,
		"kimage_voffset": text + 0x1000,
		"kimage_vaddr":   text + 0x1008,
		"memstart_addr":  text + 0x1010,
	}
	mem := newImage(0x80000000, 4<<20)
	mem.put64(load+0x1000, text+kaslr-load)
	mem.put64(load+0x1008, text+kaslr)
	mem.put64(load+0x1010, 0x80000000)

	opts := DiscoverOptions{Variant: Armv8, VABits: 39, PageOffset: DefaultPageOffset(Armv8, 39, true)}
	off := Discover(storeOf(t, mem), syms, opts, nil)

	assert.Equal(t, Offsets{
		KASLROffset:      kaslr,
		KASLRFound:       true,
		LoadAddr:         load,
		KimageVoffset:    text + kaslr - load,
		HasKimageVoffset: true,
		PhysOffset:       0x80000000,
		PhysOffsetFound:  true,
	}, off)
}

func TestDiscover_Armv8Cookie(t *testing.T) {
	const (
		text  = 0xffffffc010000000
		kaslr = 0x4560000
		load  = 0x80080000 // only reachable at 512 KiB granularity
	)
	syms := symMap{"_text": text, "kimage_voffset": text + 0x2000}
	mem := newImage(0x80000000, 2<<20)
	mem.put64(load+0x2000, text+kaslr-load)
	mem.put32(0x80100000, 0xdead4ead)
	mem.put64(0x80100004, kaslr)

	opts := DiscoverOptions{Variant: Armv8, VABits: 39, CookieAddr: 0x80100000, HasCookie: true}
	off := Discover(storeOf(t, mem), syms, opts, nil)

	assert.True(t, off.KASLRFound)
	assert.Equal(t, uint64(kaslr), off.KASLROffset)
	assert.Equal(t, uint64(load), off.LoadAddr)
	assert.False(t, off.PhysOffsetFound, "no memstart_addr symbol")
}

func TestDiscover_NoMatchDegradesToZero(t *testing.T) {
	const text = 0xffffffc010000000
	syms := symMap{"_text": text, "kimage_voffset": text + 0x1000}
	off := Discover(storeOf(t, newImage(0x80000000, 1<<20)), syms, DiscoverOptions{Variant: Armv8}, nil)
	assert.Equal(t, Offsets{
		LoadAddr:         0x80000000,
		KimageVoffset:    text - 0x80000000,
		HasKimageVoffset: true,
		LoadGuessed:      true,
	}, off)
}

func TestDiscover_NoMatchPlacesImageAtBanner(t *testing.T) {
	const (
		text = 0xffffffc010000000
		load = 0x80200000
	)
	banner := "Linux version 5.10.43 (build@host)"
	syms := symMap{"_text": text, "kimage_voffset": text + 0x1000, "linux_banner": text + 0x2000}
	mem := newImage(0x80000000, 4<<20)
	copy(mem.data[load+0x2000-0x80000000:], banner)

	opts := DiscoverOptions{Variant: Armv8, VABits: 39, Banner: banner}
	off := Discover(storeOf(t, mem), syms, opts, nil)

	assert.False(t, off.KASLRFound)
	assert.Zero(t, off.KASLROffset)
	assert.True(t, off.LoadGuessed)
	assert.Equal(t, uint64(load), off.LoadAddr)
	assert.Equal(t, uint64(text-load), off.KimageVoffset)
}

func TestDiscover_Armv8MismatchedCookie(t *testing.T) {
	const (
		text  = 0xffffffc010000000
		kaslr = 0x2340000
		load  = 0x80200000
	)
	syms := symMap{"_text": text, "kimage_voffset": text + 0x1000}

	t.Run("falls back to the scan", func(t *testing.T) {
		mem := newImage(0x80000000, 4<<20)
		mem.put64(load+0x1000, text+kaslr-load)
		mem.put32(0x80100000, 0xdead4ead)
		mem.put64(0x80100004, 0x10000)

		opts := DiscoverOptions{Variant: Armv8, VABits: 39, CookieAddr: 0x80100000, HasCookie: true}
		off := Discover(storeOf(t, mem), syms, opts, nil)

		assert.True(t, off.KASLRFound)
		assert.Equal(t, uint64(kaslr), off.KASLROffset)
		assert.Equal(t, uint64(load), off.LoadAddr)
		assert.Equal(t, uint64(text+kaslr-load), off.KimageVoffset)
		assert.False(t, off.LoadGuessed)
	})

	t.Run("drops the cookie slide when nothing matches", func(t *testing.T) {
		mem := newImage(0x80000000, 4<<20)
		mem.put32(0x80100000, 0xdead4ead)
		mem.put64(0x80100004, 0x10000)

		opts := DiscoverOptions{Variant: Armv8, VABits: 39, CookieAddr: 0x80100000, HasCookie: true}
		off := Discover(storeOf(t, mem), syms, opts, nil)

		assert.False(t, off.KASLRFound)
		assert.Zero(t, off.KASLROffset)
		assert.True(t, off.LoadGuessed)
		assert.Equal(t, uint64(text-off.LoadAddr), off.KimageVoffset)
	})
}

func TestDiscover_Armv7Banner(t *testing.T) {
	banner := "Linux version 4.14.180 (build@host)"
	mem := newImage(0x80000000, 0x10000)
	copy(mem.data[0x8000:], banner)

	syms := symMap{"linux_banner": 0xC0008000}
	opts := DiscoverOptions{Variant: Armv7, PageOffset: 0xC0000000, Banner: banner}
	off := Discover(storeOf(t, mem), syms, opts, nil)
	assert.True(t, off.PhysOffsetFound)
	assert.Equal(t, uint64(0x80000000), off.PhysOffset)

	opts.Banner = "Linux version 5.4.0"
	off = Discover(storeOf(t, mem), syms, opts, nil)
	assert.False(t, off.PhysOffsetFound)
}

func TestDiscover_Armv8KnownSlide(t *testing.T) {
	const (
		text  = 0xffffffc010000000
		kaslr = 0x2340000
		load  = 0x80200000
	)
	syms := symMap{"_text": text, "kimage_voffset": text + 0x1000}
	mem := newImage(0x80000000, 4<<20)
	mem.put64(load+0x1000, text+kaslr-load)
	// Agrees with a different slide; skipped because the slide is fixed.
	mem.put64(0x80000000+0x1000, text+0x10000-0x80000000)

	opts := DiscoverOptions{Variant: Armv8, VABits: 39, Slide: kaslr, HasSlide: true, HasCookie: true, CookieAddr: 0x80100000}
	off := Discover(storeOf(t, mem), syms, opts, nil)

	assert.Equal(t, uint64(kaslr), off.KASLROffset)
	assert.Equal(t, uint64(load), off.LoadAddr)
	assert.Equal(t, uint64(text+kaslr-load), off.KimageVoffset)
}
