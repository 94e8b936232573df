package symbolizer

import (
	"debug/elf"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
)

// ReadELFEntries extracts function, object and untyped symbols that
// belong to a section. .symtab is preferred; .dynsym is the fallback.
func ReadELFEntries(ef *elf.File) ([]Entry, error) {
	syms, err := ef.Symbols()
	if err != nil || len(syms) == 0 {
		syms, err = ef.DynamicSymbols()
	}
	if err != nil || len(syms) == 0 {
		return nil, errors.New("no symbol tables available in ELF")
	}

	entries := make([]Entry, 0, len(syms))
	for _, s := range syms {
		if !keepSymbol(s) {
			continue
		}
		entries = append(entries, Entry{Addr: s.Value, Name: s.Name})
	}
	return entries, nil
}

func keepSymbol(s elf.Symbol) bool {
	if s.Name == "" || isMappingSymbol(s.Name) {
		return false
	}
	if s.Section == elf.SHN_UNDEF || s.Section == elf.SHN_ABS || s.Section >= elf.SHN_LORESERVE {
		return false
	}
	switch elf.ST_TYPE(s.Info) {
	case elf.STT_FUNC, elf.STT_OBJECT, elf.STT_NOTYPE:
		return true
	}
	return false
}

// ReadModuleEntries reads the text symbols of a .ko and relocates them
// to base, the load address of the module's .text.
func ReadModuleEntries(path string, base uint64) (Module, error) {
	name := strings.TrimSuffix(filepath.Base(path), ".ko")
	ef, err := elf.Open(path)
	if err != nil {
		return Module{}, fmt.Errorf("symbolizer: open module %s: %w", path, err)
	}
	defer ef.Close()

	text := ef.Section(".text")
	if text == nil {
		return Module{}, fmt.Errorf("symbolizer: module %s has no .text", path)
	}
	syms, err := ef.Symbols()
	if err != nil {
		return Module{}, fmt.Errorf("symbolizer: module %s: %w", path, err)
	}

	mod := Module{Name: name}
	for _, s := range syms {
		if !keepSymbol(s) || int(s.Section) >= len(ef.Sections) || ef.Sections[s.Section] != text {
			continue
		}
		mod.Entries = append(mod.Entries, Entry{Addr: base + s.Value, Name: s.Name})
	}
	slog.Info("Loaded module symbols", "module", name, "entries", len(mod.Entries), "base", fmt.Sprintf("0x%x", base))
	return mod, nil
}
