package physmem

import (
	"bufio"
	"debug/elf"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"
)

// FlatSpec describes one flat physical-memory file.
type FlatSpec struct {
	Path   string
	Start  uint64
	End    uint64
	HasEnd bool
}

// ParseFlatSpec parses "path@0xSTART" or "path,0xSTART,0xEND".
func ParseFlatSpec(s string) (FlatSpec, error) {
	if path, addr, ok := strings.Cut(s, "@"); ok {
		start, err := parseAddr(addr)
		if err != nil {
			return FlatSpec{}, fmt.Errorf("physmem: bad start in %q: %w", s, err)
		}
		return FlatSpec{Path: path, Start: start}, nil
	}
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return FlatSpec{}, fmt.Errorf("physmem: expected path@start or path,start,end, got %q", s)
	}
	start, err := parseAddr(parts[1])
	if err != nil {
		return FlatSpec{}, fmt.Errorf("physmem: bad start in %q: %w", s, err)
	}
	end, err := parseAddr(parts[2])
	if err != nil {
		return FlatSpec{}, fmt.Errorf("physmem: bad end in %q: %w", s, err)
	}
	return FlatSpec{Path: strings.TrimSpace(parts[0]), Start: start, End: end, HasEnd: true}, nil
}

func parseAddr(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	return strconv.ParseUint(strings.TrimPrefix(strings.ToLower(s), "0x"), 16, 64)
}

// kindFromName infers a segment's purpose from the fixed file naming
// patterns of reduced dumps.
func kindFromName(name string) Kind {
	upper := strings.ToUpper(filepath.Base(name))
	switch {
	case strings.Contains(upper, "SMEM"):
		return KindSMEM
	case strings.Contains(upper, "HYP"):
		return KindHyp
	case strings.Contains(upper, "IMEM"):
		return KindIMEM
	case strings.HasPrefix(upper, "DDR"), strings.Contains(upper, "HLOS"):
		return KindHLOS
	default:
		return KindRaw
	}
}

// LoadFlat opens every file and registers it as one segment. Files that
// fail are reported together; the rest stay registered.
func LoadFlat(store *Store, specs []FlatSpec) error {
	var result *multierror.Error
	for _, spec := range specs {
		if err := loadFlat(store, spec); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func loadFlat(store *Store, spec FlatSpec) error {
	src, err := OpenSource(spec.Path)
	if err != nil {
		return fmt.Errorf("physmem: open %s: %w", spec.Path, err)
	}
	if src.Size() == 0 {
		src.Close()
		return fmt.Errorf("physmem: %s is empty", spec.Path)
	}
	end := spec.Start + src.Size() - 1
	if spec.HasEnd {
		end = spec.End
	}
	seg := Segment{
		Name:   filepath.Base(spec.Path),
		Kind:   kindFromName(spec.Path),
		Start:  spec.Start,
		End:    end,
		Source: src,
	}
	if err := store.Register(seg); err != nil {
		src.Close()
		return err
	}
	return nil
}

// ParseLoadCmm reads a load.cmm manifest ("d.load.binary FILE 0xADDR /noclear")
// and returns specs with file names resolved relative to dir.
func ParseLoadCmm(r io.Reader, dir string) ([]FlatSpec, error) {
	var specs []FlatSpec
	s := bufio.NewScanner(r)
	for s.Scan() {
		fields := strings.Fields(s.Text())
		if len(fields) < 3 || !strings.EqualFold(fields[0], "d.load.binary") {
			continue
		}
		start, err := parseAddr(fields[2])
		if err != nil {
			return nil, fmt.Errorf("physmem: load.cmm: bad address %q: %w", fields[2], err)
		}
		specs = append(specs, FlatSpec{Path: filepath.Join(dir, fields[1]), Start: start})
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return specs, nil
}

// ParseReducedIndex reads a reduced-dump index of "FILENAME 0xSTART 0xSIZE"
// lines. Blank lines and lines starting with '#' are skipped.
func ParseReducedIndex(r io.Reader, dir string) ([]FlatSpec, error) {
	var specs []FlatSpec
	s := bufio.NewScanner(r)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(strings.ReplaceAll(line, ",", " "))
		if len(fields) < 3 {
			return nil, fmt.Errorf("physmem: index: not enough fields in %q", line)
		}
		start, err := parseAddr(fields[1])
		if err != nil {
			return nil, fmt.Errorf("physmem: index: bad start in %q: %w", line, err)
		}
		size, err := parseAddr(fields[2])
		if err != nil || size == 0 {
			return nil, fmt.Errorf("physmem: index: bad size in %q", line)
		}
		specs = append(specs, FlatSpec{
			Path:   filepath.Join(dir, fields[0]),
			Start:  start,
			End:    start + size - 1,
			HasEnd: true,
		})
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return specs, nil
}

// kvaSectionNames are the section names of the embedded kernel-VA image
// inside an ELF minidump.
var kvaSectionNames = []string{"KVA_DUMP", "md_KVA_DUMP"}

// LoadELF registers every PT_LOAD of an ELF minidump as a segment at its
// physical address, then expands an embedded KVA_DUMP image if present.
func LoadELF(store *Store, path string) error {
	src, err := OpenSource(path)
	if err != nil {
		return fmt.Errorf("physmem: open %s: %w", path, err)
	}
	ef, err := elf.NewFile(src)
	if err != nil {
		src.Close()
		return fmt.Errorf("physmem: %s is not an ELF dump: %w", path, err)
	}

	var result *multierror.Error
	registered := 0
	for i, p := range ef.Progs {
		seg, ok := progSegment(p, src, 0)
		if !ok {
			continue
		}
		seg.Name = fmt.Sprintf("%s:load%d", filepath.Base(path), i)
		if err := store.Register(seg); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		registered++
	}

	for _, name := range kvaSectionNames {
		sec := ef.Section(name)
		if sec == nil || sec.Type == elf.SHT_NOBITS {
			continue
		}
		n, err := loadEmbeddedELF(store, src, sec, path)
		if err != nil {
			result = multierror.Append(result, err)
		}
		registered += n
	}

	if registered == 0 {
		src.Close()
		result = multierror.Append(result, fmt.Errorf("physmem: %s has no loadable segments", path))
	}
	return result.ErrorOrNil()
}

func loadEmbeddedELF(store *Store, src Source, sec *elf.Section, path string) (int, error) {
	inner, err := elf.NewFile(io.NewSectionReader(src, int64(sec.Offset), int64(sec.Size)))
	if err != nil {
		return 0, fmt.Errorf("physmem: %s section %s: %w", path, sec.Name, err)
	}
	var result *multierror.Error
	n := 0
	for i, p := range inner.Progs {
		seg, ok := progSegment(p, src, sec.Offset)
		if !ok {
			continue
		}
		if p.Off+p.Filesz > sec.Size {
			result = multierror.Append(result, fmt.Errorf("%w: %s load%d", ErrShortFile, sec.Name, i))
			continue
		}
		seg.Name = fmt.Sprintf("%s:%s:load%d", filepath.Base(path), sec.Name, i)
		seg.Overlay = true
		if err := store.Register(seg); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		n++
	}
	return n, result.ErrorOrNil()
}

func progSegment(p *elf.Prog, src Source, base uint64) (Segment, bool) {
	if p.Type != elf.PT_LOAD || p.Filesz == 0 {
		return Segment{}, false
	}
	start := p.Paddr
	if start == 0 {
		start = p.Vaddr
	}
	return Segment{
		Kind:   KindELF,
		Start:  start,
		End:    start + p.Filesz - 1,
		Offset: base + p.Off,
		Source: src,
	}, true
}
