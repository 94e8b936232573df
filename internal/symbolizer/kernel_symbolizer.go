package symbolizer

import (
	"debug/elf"
	"errors"
	"fmt"
	"log/slog"
)

// KernelSources says where kernel symbols come from. A vmlinux is
// preferred; the System.map is the fallback.
type KernelSources struct {
	Vmlinux   *elf.File
	SystemMap KallsymsLoader
}

var ErrNoKernelSymbols = errors.New("no resolver for kernel symbolization could be loaded")

// LoadKernelEntries extracts the kernel's link-time symbols from the
// best available source and applies the KASLR slide.
func LoadKernelEntries(src KernelSources, kaslr uint64) ([]Entry, error) {
	var entries []Entry
	if src.Vmlinux != nil {
		e, err := ReadELFEntries(src.Vmlinux)
		if err == nil {
			entries = e
		} else {
			slog.Warn("Failed to read vmlinux symbols; falling back to System.map", "error", err)
		}
	}
	if entries == nil && src.SystemMap != nil {
		e, err := ParseKallsyms(src.SystemMap)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNoKernelSymbols, err)
		}
		entries = e
	}
	if entries == nil {
		return nil, ErrNoKernelSymbols
	}
	if kaslr != 0 {
		for i := range entries {
			entries[i].Addr += kaslr
		}
	}
	return entries, nil
}

// KernelBounds looks up _text and _end among the already relocated entries.
func KernelBounds(entries []Entry) (Bounds, bool) {
	var b Bounds
	var haveText, haveEnd bool
	for _, e := range entries {
		switch e.Name {
		case "_text":
			b.Text, haveText = e.Addr, true
		case "_end":
			b.End, haveEnd = e.Addr, true
		}
	}
	if !haveText || !haveEnd {
		return Bounds{}, false
	}
	return b, true
}
