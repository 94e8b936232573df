package symbolizer

import (
	"fmt"
	"log/slog"
	"sort"
)

// Bounds limits the kernel portion of a table to [Text, End] after
// relocation. A zero End disables the filter.
type Bounds struct {
	Text uint64
	End  uint64
}

type Options struct {
	Arch Arch
	// Code reads instruction words for the jump-table hop. Nil disables
	// the hop.
	Code CodeReader
	// Normalize strips pointer-authentication bits before lookup.
	Normalize func(uint64) uint64
	Logger    *slog.Logger
}

// Table is the merged, address-sorted symbol index of the kernel and
// its modules. It is read-only once built.
type Table struct {
	entries []Entry
	limit   uint64
	opts    Options
}

// Build merges kernel and module entries into one table. Nameless
// entries and kernel entries outside bounds are dropped. When several
// entries share an address the last one registered wins.
func Build(kernel []Entry, bounds Bounds, modules []Module, opts Options) *Table {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	all := make([]Entry, 0, len(kernel))
	dropped := 0
	for _, e := range kernel {
		if e.Name == "" || (bounds.End != 0 && (e.Addr < bounds.Text || e.Addr > bounds.End)) {
			dropped++
			continue
		}
		all = append(all, e)
	}
	for _, m := range modules {
		for _, e := range m.Entries {
			if e.Name == "" {
				dropped++
				continue
			}
			all = append(all, Entry{Addr: e.Addr, Name: fmt.Sprintf("%s [%s]", e.Name, m.Name)})
		}
	}

	sort.SliceStable(all, func(i, j int) bool { return all[i].Addr < all[j].Addr })
	out := all[:0]
	for _, e := range all {
		if n := len(out); n > 0 && out[n-1].Addr == e.Addr {
			out[n-1] = e
			continue
		}
		out = append(out, e)
	}

	t := &Table{entries: out, opts: opts}
	// Past the image end nothing resolves, unless a module lies beyond it.
	if n := len(out); bounds.End != 0 && (n == 0 || out[n-1].Addr <= bounds.End) {
		t.limit = bounds.End
	}
	opts.Logger.Info("Built symbol table", "entries", len(out), "modules", len(modules), "dropped", dropped)
	return t
}

func (t *Table) Len() int { return len(t.entries) }

// Entries returns the sorted entries. The slice must not be modified.
func (t *Table) Entries() []Entry { return t.entries }

// find returns the index of the greatest entry at or below addr.
func (t *Table) find(addr uint64) (int, bool) {
	if len(t.entries) == 0 || (t.limit != 0 && addr > t.limit) {
		return 0, false
	}
	i := sort.Search(len(t.entries), func(i int) bool { return t.entries[i].Addr > addr })
	if i == 0 {
		return 0, false
	}
	return i - 1, true
}

// Resolve strips PAC bits, follows at most one jump-table branch and
// returns the nearest symbol at or below the result.
func (t *Table) Resolve(addr uint64) (Symbol, bool) {
	if t.opts.Normalize != nil {
		addr = t.opts.Normalize(addr)
	}
	jt := false
	if target, ok := t.hop(addr); ok {
		addr, jt = target, true
	}
	i, ok := t.find(addr)
	if !ok {
		return Symbol{}, false
	}
	e := t.entries[i]
	sym := Symbol{Name: e.Name, Addr: e.Addr, Offset: addr - e.Addr, JumpTable: jt}
	if i+1 < len(t.entries) {
		sym.Size = t.entries[i+1].Addr - e.Addr
	}
	if jt {
		sym.Name += jumpTableMarker
	}
	return sym, true
}

// Lookup returns the symbol name and, depending on mode, the offset
// into it or its size. The last entry has size 0.
func (t *Table) Lookup(addr uint64, mode Mode) (string, uint64, bool) {
	sym, ok := t.Resolve(addr)
	if !ok {
		return "", 0, false
	}
	if mode == ModeSize {
		return sym.Name, sym.Size, true
	}
	return sym.Name, sym.Offset, true
}

// AddressOf does a linear search by name.
func (t *Table) AddressOf(name string) (uint64, bool) {
	for _, e := range t.entries {
		if e.Name == name {
			return e.Addr, true
		}
	}
	return 0, false
}

// Symbolize resolves every pc, skipping the ones outside the table.
func (t *Table) Symbolize(stack []uint64) []Symbol {
	symbols := make([]Symbol, 0, len(stack))
	for _, pc := range stack {
		sym, ok := t.Resolve(pc)
		if !ok {
			t.opts.Logger.Warn("Failed to resolve kernel symbol - skipping frame", "pc", fmt.Sprintf("0x%x", pc))
			continue
		}
		symbols = append(symbols, sym)
	}
	return symbols
}

func (s Symbol) String() string {
	return fmt.Sprintf("%s+0x%x", s.Name, s.Offset)
}
