package symbolizer

import (
	"log/slog"
	"strconv"
	"strings"
)

type KallsymsLoader interface {
	ReadLines() ([]string, error)
}

type KallsymsLoaderFS struct {
	loader *DataLoader
}

// NewSystemMapReader reads a System.map or a saved copy of
// /proc/kallsyms from disk.
func NewSystemMapReader(path string) *KallsymsLoaderFS {
	return &KallsymsLoaderFS{loader: NewDataLoader(path)}
}

func (p *KallsymsLoaderFS) ReadLines() ([]string, error) {
	return p.loader.ReadLines()
}

// ParseKallsyms reads "addr type name [module]" lines. Module symbols
// keep their module as a " [module]" suffix. Undefined and ARM mapping
// symbols are dropped; malformed lines are skipped.
func ParseKallsyms(loader KallsymsLoader) ([]Entry, error) {
	lines, err := loader.ReadLines()
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(lines))
	for _, line := range lines {
		// Format: "ffffffc010080000 T _text" or "ffffffc0093a1000 t foo_init [foo]"
		parts := strings.Fields(line)
		if len(parts) < 3 {
			continue
		}
		addr, err := strconv.ParseUint(parts[0], 16, 64)
		if err != nil {
			continue
		}
		if t := parts[1]; t == "U" || t == "w" || t == "v" {
			continue
		}
		name := parts[2]
		if isMappingSymbol(name) {
			continue
		}
		if len(parts) > 3 && strings.HasPrefix(parts[3], "[") {
			name = name + " " + parts[3]
		}
		entries = append(entries, Entry{Addr: addr, Name: name})
	}
	slog.Info("Loaded kallsyms for kernel symbolization", "entries", len(entries))
	return entries, nil
}

// isMappingSymbol matches the ARM ELF mapping symbols ($a, $d, $t, $x
// and their dotted variants).
func isMappingSymbol(name string) bool {
	if len(name) < 2 || name[0] != '$' {
		return false
	}
	switch name[1] {
	case 'a', 'd', 't', 'x':
		return len(name) == 2 || name[2] == '.'
	}
	return false
}
