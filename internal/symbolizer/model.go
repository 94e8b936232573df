package symbolizer

// Entry is one (address, name) pair as produced by a symbol extractor.
type Entry struct {
	Addr uint64
	Name string
}

// Symbol is a resolved address. Addr is the start of the named symbol;
// Offset is the distance from it and Size the distance to the next one.
type Symbol struct {
	Name      string
	Addr      uint64
	Offset    uint64
	Size      uint64
	JumpTable bool
}

type Mode int

const (
	ModeOffset Mode = iota
	ModeSize
)

// Module is the symbol set of one loadable module, already relocated to
// its load address.
type Module struct {
	Name    string
	Entries []Entry
}

type CodeReader interface {
	ReadU32(vaddr uint64) (uint32, bool)
}
