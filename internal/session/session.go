// Package session bootstraps the analysis of one ramdump: it loads the
// memory image, discovers the translation offsets, validates the image
// against the symbol metadata and builds the symbol table and unwinder.
// A Session is read-only once Open returns and safe for concurrent use.
package session

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-multierror"

	"github.com/VladMinzatu/ramparse/internal/config"
	"github.com/VladMinzatu/ramparse/internal/mmu"
	"github.com/VladMinzatu/ramparse/internal/physmem"
	"github.com/VladMinzatu/ramparse/internal/symbolizer"
	"github.com/VladMinzatu/ramparse/internal/typeoracle"
	"github.com/VladMinzatu/ramparse/internal/unwind"
)

const layoutCacheSize = 512

type Options struct {
	Logger *slog.Logger
	// Store and Oracle stand in for the configured dump and vmlinux
	// files. The session takes ownership of Store.
	Store  *physmem.Store
	Oracle typeoracle.Oracle
	// Kernel holds link-time kernel symbols, used instead of the
	// vmlinux or System.map when set.
	Kernel []symbolizer.Entry
}

type Session struct {
	cfg    config.Config
	logger *slog.Logger

	store      *physmem.Store
	vmlinux    *typeoracle.Vmlinux
	oracle     typeoracle.Oracle
	offsets    mmu.Offsets
	translator *mmu.Translator
	symbols    *symbolizer.Table
	unwinder   *unwind.Unwinder
	banner     string
	version    KernelVersion
}

// Open runs the whole bootstrap. Any *FatalError it returns means the
// image cannot be trusted at all.
func Open(cfg config.Config, opts Options) (*Session, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{cfg: cfg, logger: logger}
	if err := s.bootstrap(opts); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Session) bootstrap(opts Options) error {
	start := time.Now()
	if err := s.loadMemory(opts.Store); err != nil {
		return err
	}
	if err := s.loadOracle(opts.Oracle); err != nil {
		return err
	}
	variant, err := s.detectVariant()
	if err != nil {
		return err
	}
	if err := s.setupTranslation(variant); err != nil {
		return err
	}
	if err := s.validateBanner(); err != nil {
		return err
	}
	s.buildSymbols(opts.Kernel)
	if err := s.buildUnwinder(); err != nil {
		return err
	}
	s.logger.Info("Session ready",
		"variant", variant,
		"kernel", s.version,
		"kaslr", fmt.Sprintf("0x%x", s.offsets.KASLROffset),
		"phys_offset", fmt.Sprintf("0x%x", s.translator.Context().PhysOffset),
		"symbols", s.symbols.Len(),
		"unwinder", s.unwinder.Strategy(),
		"took", time.Since(start))
	return nil
}

func (s *Session) loadMemory(store *physmem.Store) error {
	if store != nil {
		s.store = store
	} else {
		s.store = physmem.NewStore(s.logger)
		if err := s.loadDumps(); err != nil {
			if len(s.store.Segments()) == 0 {
				return &FatalError{Invariant: "memory image", Err: err}
			}
			s.logger.Warn("Some dump files could not be loaded", "error", err)
		}
	}
	segs := s.store.Segments()
	if len(segs) == 0 {
		return fatal("memory image", "no physical memory segments loaded")
	}
	var total uint64
	for _, seg := range segs {
		total += seg.Size()
	}
	s.logger.Info("Loaded memory image", "segments", len(segs), "size", humanize.IBytes(total))
	return nil
}

func (s *Session) loadDumps() error {
	var result *multierror.Error
	var specs []physmem.FlatSpec
	for _, d := range s.cfg.Dumps {
		specs = append(specs, physmem.FlatSpec{Path: d.Path, Start: uint64(d.Start), End: uint64(d.End), HasEnd: d.End != 0})
	}
	manifests := []struct {
		path  string
		parse func(io.Reader, string) ([]physmem.FlatSpec, error)
	}{
		{s.cfg.LoadCmm, physmem.ParseLoadCmm},
		{s.cfg.ReducedIndex, physmem.ParseReducedIndex},
	}
	for _, m := range manifests {
		if m.path == "" {
			continue
		}
		f, err := os.Open(m.path)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		parsed, err := m.parse(f, filepath.Dir(m.path))
		f.Close()
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", m.path, err))
			continue
		}
		specs = append(specs, parsed...)
	}
	if len(specs) > 0 {
		if err := physmem.LoadFlat(s.store, specs); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if s.cfg.ELFDump != "" {
		if err := physmem.LoadELF(s.store, s.cfg.ELFDump); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (s *Session) loadOracle(oracle typeoracle.Oracle) error {
	if oracle == nil && s.cfg.Vmlinux != "" {
		vm, err := typeoracle.OpenVmlinux(s.cfg.Vmlinux, s.logger)
		if err != nil {
			return &FatalError{Invariant: "vmlinux", Err: err}
		}
		s.vmlinux = vm
		cached, err := typeoracle.NewCached(vm, layoutCacheSize)
		if err != nil {
			return err
		}
		oracle = cached
	}
	if oracle == nil {
		oracle = &typeoracle.Map{}
	}
	if len(s.cfg.Symbols) > 0 || len(s.cfg.FieldOffsets) > 0 {
		top := &typeoracle.Map{Symbols: make(map[string]uint64, len(s.cfg.Symbols)), Offsets: s.cfg.FieldOffsets}
		for name, addr := range s.cfg.Symbols {
			top.Symbols[name] = uint64(addr)
		}
		oracle = typeoracle.Overlay{Top: top, Base: oracle}
	}
	s.oracle = oracle
	return nil
}

func (s *Session) detectVariant() (mmu.Variant, error) {
	if s.cfg.Arch != "" && s.cfg.Arch != "auto" {
		return mmu.ParseVariant(s.cfg.Arch)
	}
	is32 := false
	if s.vmlinux != nil {
		switch m := s.vmlinux.ELF().Machine; m {
		case elf.EM_AARCH64:
		case elf.EM_ARM:
			is32 = true
		default:
			return 0, fatal("architecture", "unsupported vmlinux machine %s", m)
		}
	} else if n, ok := s.oracle.Sizeof("long"); ok && n == 4 {
		is32 = true
	}
	if !is32 {
		return mmu.Armv8, nil
	}
	if n, ok := s.oracle.Sizeof("pte_t"); ok && n == 8 {
		return mmu.Armv7LPAE, nil
	}
	return mmu.Armv7, nil
}

func (s *Session) setupTranslation(variant mmu.Variant) error {
	vaBits := s.cfg.VABits
	if !variant.Is64() {
		vaBits = 32
	}
	pageOffset, ok := config.Opt(s.cfg.PageOffset)
	if !ok {
		pageOffset = mmu.DefaultPageOffset(variant, vaBits, s.cfg.Flipped())
	}
	s.banner, _ = s.oracle.ReadStringConst("linux_banner")

	opts := mmu.DiscoverOptions{Variant: variant, VABits: vaBits, PageOffset: pageOffset, Banner: s.banner}
	opts.CookieAddr, opts.HasCookie = config.Opt(s.cfg.KASLRCookieAddr)
	opts.Slide, opts.HasSlide = config.Opt(s.cfg.KASLROffset)
	off := mmu.Discover(s.store, s.oracle, opts, s.logger)
	if v, ok := config.Opt(s.cfg.PhysOffset); ok {
		off.PhysOffset, off.PhysOffsetFound = v, true
	}
	s.offsets = off

	ctx := mmu.Context{
		Variant:     variant,
		VABits:      vaBits,
		FlippedVA:   s.cfg.Flipped(),
		PageOffset:  pageOffset,
		PhysOffset:  off.PhysOffset,
		KASLROffset: off.KASLROffset,
	}
	if off.HasKimageVoffset {
		text, _ := s.oracle.AddressOf("_text")
		ctx.KimageVaddr = (text + off.KASLROffset) &^ (2<<20 - 1)
		ctx.KimageVoffset, ctx.HasKimageVoffset = off.KimageVoffset, true
		if end, ok := s.oracle.AddressOf("_end"); ok {
			ctx.KimageEnd = end + off.KASLROffset
		} else {
			s.logger.Warn("No _end symbol; treating everything above the image base as image")
			ctx.KimageEnd = ^uint64(0)
		}
	}

	// Resolve swapper_pg_dir through the direct regimes before the walker
	// has a base to start from.
	direct := mmu.NewTranslator(ctx, s.store, s.logger)
	pgd, err := typeoracle.MustAddress(s.oracle, "swapper_pg_dir")
	if err != nil {
		return &FatalError{Invariant: "swapper_pg_dir", Err: err}
	}
	pgd += off.KASLROffset
	inImage := ctx.HasKimageVoffset && pgd >= ctx.KimageVaddr && pgd < ctx.KimageEnd
	if !inImage && !direct.IsLinear(pgd) {
		return fatal("kernel image", "swapper_pg_dir at 0x%x is outside the linear map and kernel image", pgd)
	}
	pgdPhys, _ := direct.VirtToPhys(pgd)
	if _, ok := s.store.Read(pgdPhys, 8); !ok {
		return fatal("kernel image", "no segment covers swapper_pg_dir (phys 0x%x)", pgdPhys)
	}
	ctx.PgdPhys = pgdPhys

	if !variant.Is64() {
		if hm, ok := s.oracle.AddressOf("high_memory"); ok {
			if v, ok := direct.ReadU32(hm); ok && uint64(v) > pageOffset {
				ctx.LinearEnd = uint64(v)
			}
		}
	}
	s.translator = mmu.NewTranslator(ctx, s.store, s.logger)
	return nil
}

// validateBanner compares linux_banner in the image with the copy in the
// symbol metadata, byte for byte.
func (s *Session) validateBanner() error {
	addr, ok := s.oracle.AddressOf("linux_banner")
	if !ok || s.banner == "" {
		return fatal("linux_banner", "symbol metadata has no linux_banner")
	}
	addr += s.offsets.KASLROffset
	got, ok := s.translator.ReadVirt(addr, len(s.banner))
	if !ok {
		return fatal("linux_banner", "banner at 0x%x is not covered by the memory image", addr)
	}
	if !bytes.Equal(got, []byte(s.banner)) {
		if i := bytes.IndexByte(got, 0); i >= 0 {
			got = got[:i]
		}
		return fatal("linux_banner", "image holds %q, metadata expects %q", got, s.banner)
	}
	s.version, _ = ParseKernelVersion(s.banner)
	return nil
}

func (s *Session) buildSymbols(kernel []symbolizer.Entry) {
	slide := s.offsets.KASLROffset
	var entries []symbolizer.Entry
	if kernel != nil {
		entries = make([]symbolizer.Entry, len(kernel))
		for i, e := range kernel {
			entries[i] = symbolizer.Entry{Addr: e.Addr + slide, Name: e.Name}
		}
	} else {
		src := symbolizer.KernelSources{}
		if s.vmlinux != nil {
			src.Vmlinux = s.vmlinux.ELF()
		}
		if s.cfg.SystemMap != "" {
			src.SystemMap = symbolizer.NewSystemMapReader(s.cfg.SystemMap)
		}
		var err error
		if entries, err = symbolizer.LoadKernelEntries(src, slide); err != nil {
			s.logger.Warn("No kernel symbols; backtraces will not be symbolized", "error", err)
		}
	}
	bounds, ok := symbolizer.KernelBounds(entries)
	if !ok && len(entries) > 0 {
		s.logger.Warn("Kernel symbols lack _text or _end; not bounding the kernel table")
	}

	var modules []symbolizer.Module
	var result *multierror.Error
	for _, m := range s.cfg.Modules {
		mod, err := symbolizer.ReadModuleEntries(m.Path, uint64(m.Base))
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		mod.Name = m.Name
		modules = append(modules, mod)
	}
	if err := result.ErrorOrNil(); err != nil {
		s.logger.Warn("Skipped modules", "error", err)
	}

	s.symbols = symbolizer.Build(entries, bounds, modules, symbolizer.Options{
		Arch:      s.Arch(),
		Code:      s.translator,
		Normalize: s.translator.PACIgnore,
		Logger:    s.logger,
	})
}

func (s *Session) buildUnwinder() error {
	cfg := unwind.Config{
		Arch:       s.Arch(),
		Memory:     s.translator,
		Symbols:    s.symbols,
		ThreadSize: s.ThreadSize(),
		Normalize:  s.translator.PACIgnore,
		Logger:     s.logger,
	}
	if cfg.Arch == symbolizer.ArchArm && s.cfg.Unwind != "fp" {
		idx, err := s.loadUnwindIndex()
		switch {
		case err == nil:
			cfg.Strategy, cfg.Index = unwind.StrategyEHABI, idx
		case s.cfg.Unwind == "ehabi":
			return &FatalError{Invariant: "unwind index", Err: err}
		default:
			s.logger.Info("No EHABI unwind index; using frame pointers", "reason", err)
		}
	}
	s.unwinder = unwind.New(cfg)
	return nil
}

func (s *Session) loadUnwindIndex() (*unwind.Index, error) {
	start, err := typeoracle.MustAddress(s.oracle, "__start_unwind_idx")
	if err != nil {
		return nil, err
	}
	stop, err := typeoracle.MustAddress(s.oracle, "__stop_unwind_idx")
	if err != nil {
		return nil, err
	}
	// Kernels before 3.4 rewrite the index to absolute addresses at boot.
	absolute := s.version.Known() && s.version.Less(3, 4)
	idx, err := unwind.LoadIndex(s.translator, start, stop, absolute)
	if err != nil {
		return nil, err
	}
	if idx.Len() == 0 {
		return nil, errors.New("unwind index is empty")
	}
	s.logger.Info("Loaded EHABI unwind index", "entries", idx.Len(), "origin", idx.Origin(), "absolute", absolute)
	return idx, nil
}

func (s *Session) Config() config.Config { return s.cfg }
func (s *Session) Logger() *slog.Logger { return s.logger }
func (s *Session) Store() *physmem.Store { return s.store }
func (s *Session) Oracle() typeoracle.Oracle { return s.oracle }
func (s *Session) Offsets() mmu.Offsets { return s.offsets }
func (s *Session) Translator() *mmu.Translator { return s.translator }
func (s *Session) Symbols() *symbolizer.Table { return s.symbols }
func (s *Session) Unwinder() *unwind.Unwinder { return s.unwinder }
func (s *Session) Banner() string { return s.banner }
func (s *Session) KernelVersion() KernelVersion { return s.version }
func (s *Session) Variant() mmu.Variant { return s.translator.Context().Variant }

func (s *Session) Arch() symbolizer.Arch {
	if s.translator.Context().Variant.Is64() {
		return symbolizer.ArchArm64
	}
	return symbolizer.ArchArm
}

// ThreadSize is THREAD_SIZE of the analyzed kernel.
func (s *Session) ThreadSize() uint64 {
	if s.cfg.ThreadSize != 0 {
		return s.cfg.ThreadSize
	}
	if s.Arch() == symbolizer.ArchArm64 {
		return unwind.ThreadSizeArm64
	}
	return unwind.ThreadSizeArm
}

// Backtrace unwinds one register set.
func (s *Session) Backtrace(regs unwind.Regs, bounds unwind.StackBounds) unwind.Backtrace {
	return s.unwinder.Unwind(regs, bounds)
}

func (s *Session) Close() error {
	var result *multierror.Error
	if s.vmlinux != nil {
		if err := s.vmlinux.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
