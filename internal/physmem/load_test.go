package physmem

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFlatSpec(t *testing.T) {
	tests := []struct {
		in      string
		want    FlatSpec
		wantErr bool
	}{
		{in: "DDRCS0.BIN@0x80000000", want: FlatSpec{Path: "DDRCS0.BIN", Start: 0x80000000}},
		{in: "ocimem.bin@14680000", want: FlatSpec{Path: "ocimem.bin", Start: 0x14680000}},
		{in: "a.bin, 0x1000, 0x1fff", want: FlatSpec{Path: "a.bin", Start: 0x1000, End: 0x1fff, HasEnd: true}},
		{in: "a.bin@zz", wantErr: true},
		{in: "a.bin,0x1000", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFlatSpec(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestKindFromName(t *testing.T) {
	tests := map[string]Kind{
		"DDRCS0_0.BIN":     KindHLOS,
		"/tmp/HLOS_1.BIN":  KindHLOS,
		"SMEM.BIN":         KindSMEM,
		"md_HYP_CORE.BIN":  KindHyp,
		"OCIMEM.BIN":       KindIMEM,
		"something.else":   KindRaw,
	}
	for name, want := range tests {
		assert.Equal(t, want, kindFromName(name), name)
	}
}

func TestParseLoadCmm(t *testing.T) {
	cmm := `
; generated by the dump tool
d.load.binary DDRCS0_0.BIN 0x80000000 /noclear
D.LOAD.BINARY OCIMEM.BIN 0x14680000 /noclear
print "done"
`
	specs, err := ParseLoadCmm(strings.NewReader(cmm), "/dumps")
	require.NoError(t, err)
	assert.Equal(t, []FlatSpec{
		{Path: "/dumps/DDRCS0_0.BIN", Start: 0x80000000},
		{Path: "/dumps/OCIMEM.BIN", Start: 0x14680000},
	}, specs)

	_, err = ParseLoadCmm(strings.NewReader("d.load.binary X.BIN 0xnope\n"), "")
	assert.Error(t, err)
}

func TestParseReducedIndex(t *testing.T) {
	index := `# reduced dump index
HLOS_0.BIN 0x80000000 0x1000

SMEM.BIN, 0x86000000, 0x200
`
	specs, err := ParseReducedIndex(strings.NewReader(index), "d")
	require.NoError(t, err)
	assert.Equal(t, []FlatSpec{
		{Path: "d/HLOS_0.BIN", Start: 0x80000000, End: 0x80000fff, HasEnd: true},
		{Path: "d/SMEM.BIN", Start: 0x86000000, End: 0x860001ff, HasEnd: true},
	}, specs)

	_, err = ParseReducedIndex(strings.NewReader("HLOS_0.BIN 0x80000000 0x0\n"), "d")
	assert.Error(t, err, "zero size")
	_, err = ParseReducedIndex(strings.NewReader("HLOS_0.BIN 0x80000000\n"), "d")
	assert.Error(t, err, "missing size")
}

func TestLoadFlat_ReportsFailuresAndKeepsTheRest(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "DDRCS0.BIN")
	require.NoError(t, os.WriteFile(good, []byte("kernel-bytes"), 0o644))

	s := NewStore(nil)
	t.Cleanup(func() { s.Close() })

	err := LoadFlat(s, []FlatSpec{
		{Path: good, Start: 0x80000000},
		{Path: filepath.Join(dir, "missing.bin"), Start: 0x90000000},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing.bin")

	segs := s.Segments()
	require.Len(t, segs, 1)
	assert.Equal(t, KindHLOS, segs[0].Kind)
	assert.Equal(t, uint64(0x80000000+len("kernel-bytes")-1), segs[0].End)

	str, ok := s.ReadCString(0x80000000, 64)
	require.True(t, ok)
	assert.Equal(t, "kernel-bytes", str)
}

func TestOpenSource_Zstd(t *testing.T) {
	payload := bytes.Repeat([]byte("ramdump!"), 512)
	path := filepath.Join(t.TempDir(), "DDR.BIN.zst")

	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, enc.EncodeAll(payload, nil), 0o644))
	require.NoError(t, enc.Close())

	src, err := OpenSource(path)
	require.NoError(t, err)
	defer src.Close()

	assert.Equal(t, strings.TrimSuffix(path, ".zst"), src.Name())
	assert.Equal(t, uint64(len(payload)), src.Size())
	buf := make([]byte, 8)
	_, err = src.ReadAt(buf, 8)
	require.NoError(t, err)
	assert.Equal(t, []byte("ramdump!"), buf)
}

type elfLoad struct {
	paddr uint64
	data  []byte
}

type elfSection struct {
	name string
	data []byte
}

// buildELF lays out a little-endian ELF64 core file: header, program
// headers, load payloads, section payloads, then section headers.
func buildELF(t *testing.T, loads []elfLoad, sections []elfSection) []byte {
	t.Helper()
	const ehsize, phentsize, shentsize = 64, 56, 64

	off := uint64(ehsize + phentsize*len(loads))
	progs := make([]elf.Prog64, len(loads))
	for i, l := range loads {
		progs[i] = elf.Prog64{
			Type:   uint32(elf.PT_LOAD),
			Flags:  uint32(elf.PF_R),
			Off:    off,
			Paddr:  l.paddr,
			Filesz: uint64(len(l.data)),
			Memsz:  uint64(len(l.data)),
		}
		off += uint64(len(l.data))
	}

	var shstr []byte
	var shdrs []elf.Section64
	if len(sections) > 0 {
		shstr = []byte{0}
		names := make([]uint32, len(sections)+1)
		for i, s := range sections {
			names[i] = uint32(len(shstr))
			shstr = append(append(shstr, s.name...), 0)
		}
		names[len(sections)] = uint32(len(shstr))
		shstr = append(append(shstr, ".shstrtab"...), 0)

		shdrs = append(shdrs, elf.Section64{})
		for i, s := range sections {
			shdrs = append(shdrs, elf.Section64{
				Name: names[i], Type: uint32(elf.SHT_PROGBITS), Off: off, Size: uint64(len(s.data)), Addralign: 1,
			})
			off += uint64(len(s.data))
		}
		shdrs = append(shdrs, elf.Section64{
			Name: names[len(sections)], Type: uint32(elf.SHT_STRTAB), Off: off, Size: uint64(len(shstr)), Addralign: 1,
		})
		off += uint64(len(shstr))
	}

	hdr := elf.Header64{
		Type:      uint16(elf.ET_CORE),
		Machine:   uint16(elf.EM_AARCH64),
		Version:   uint32(elf.EV_CURRENT),
		Phoff:     ehsize,
		Ehsize:    ehsize,
		Phentsize: phentsize,
		Phnum:     uint16(len(loads)),
		Shentsize: shentsize,
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	if len(shdrs) > 0 {
		hdr.Shoff = off
		hdr.Shnum = uint16(len(shdrs))
		hdr.Shstrndx = uint16(len(shdrs) - 1)
	}

	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, hdr))
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, progs))
	for _, l := range loads {
		buf.Write(l.data)
	}
	for _, s := range sections {
		buf.Write(s.data)
	}
	buf.Write(shstr)
	if len(shdrs) > 0 {
		require.NoError(t, binary.Write(&buf, binary.LittleEndian, shdrs))
	}
	return buf.Bytes()
}

func TestLoadELF_LoadsAndEmbeddedKVA(t *testing.T) {
	outer := bytes.Repeat([]byte{0x11}, 16)
	innerLow := patterned("", 16, 0x40).data
	innerHigh := patterned("", 8, 0x90).data
	kva := buildELF(t, []elfLoad{
		{paddr: 0x80000008, data: innerLow},
		{paddr: 0x90000000, data: innerHigh},
	}, nil)
	image := buildELF(t, []elfLoad{{paddr: 0x80000000, data: outer}}, []elfSection{{name: "KVA_DUMP", data: kva}})

	path := filepath.Join(t.TempDir(), "minidump.elf")
	require.NoError(t, os.WriteFile(path, image, 0o644))

	s := NewStore(nil)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, LoadELF(s, path))

	b, ok := s.Read(0x80000008, 1)
	require.True(t, ok)
	assert.Equal(t, byte(0x11), b[0], "outer PT_LOAD was registered first")

	b, ok = s.Read(0x80000010, 2)
	require.True(t, ok)
	assert.Equal(t, innerLow[8:10], b, "embedded load fills the uncovered tail")

	b, ok = s.Read(0x90000000, 8)
	require.True(t, ok)
	assert.Equal(t, innerHigh, b)

	assert.Equal(t, []Range{{0x80000000, 0x80000017}, {0x90000000, 0x90000007}}, s.Ranges())
	for _, seg := range s.Segments() {
		assert.Equal(t, KindELF, seg.Kind)
	}
}

func TestLoadELF_Rejects(t *testing.T) {
	dir := t.TempDir()

	notELF := filepath.Join(dir, "raw.bin")
	require.NoError(t, os.WriteFile(notELF, []byte("not an elf at all, just bytes"), 0o644))
	assert.Error(t, LoadELF(NewStore(nil), notELF))

	empty := filepath.Join(dir, "empty.elf")
	require.NoError(t, os.WriteFile(empty, buildELF(t, nil, nil), 0o644))
	assert.ErrorContains(t, LoadELF(NewStore(nil), empty), "no loadable segments")
}
