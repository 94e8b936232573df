package unwind

import (
	"log/slog"

	"github.com/VladMinzatu/ramparse/internal/symbolizer"
)

// Default THREAD_SIZE per architecture.
const (
	ThreadSizeArm   = 8 << 10
	ThreadSizeArm64 = 16 << 10
)

type Strategy int

const (
	StrategyFramePointer Strategy = iota
	StrategyEHABI
)

func (s Strategy) String() string {
	if s == StrategyEHABI {
		return "ehabi"
	}
	return "frame-pointer"
}

type Symbols interface {
	Resolve(addr uint64) (symbolizer.Symbol, bool)
}

type Config struct {
	Arch     symbolizer.Arch
	Strategy Strategy
	// Index is required for StrategyEHABI.
	Index      *Index
	Memory     Memory
	Symbols    Symbols
	ThreadSize uint64
	// Normalize strips pointer authentication bits from saved values.
	Normalize func(uint64) uint64
	Logger    *slog.Logger
}

type Unwinder struct {
	walk      stepper
	strategy  Strategy
	syms      Symbols
	normalize func(uint64) uint64
	logger    *slog.Logger
}

// New selects the walking strategy once. 32-bit ARM uses EHABI when an
// index is available and the APCS frame chain otherwise; AArch64 always
// follows frame records.
func New(cfg Config) *Unwinder {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	normalize := cfg.Normalize
	if normalize == nil {
		normalize = func(a uint64) uint64 { return a }
	}
	u := &Unwinder{syms: cfg.Symbols, normalize: normalize, logger: logger}
	switch {
	case cfg.Arch == symbolizer.ArchArm64:
		u.strategy = StrategyFramePointer
		u.walk = fp64{mem: cfg.Memory, normalize: normalize}
	case cfg.Strategy == StrategyEHABI && cfg.Index != nil:
		u.strategy = StrategyEHABI
		u.walk = ehabi{mem: cfg.Memory, index: cfg.Index, threadSize: threadSize(cfg)}
	default:
		u.strategy = StrategyFramePointer
		u.walk = fp32{mem: cfg.Memory, threadSize: threadSize(cfg)}
	}
	logger.Debug("Unwinder ready", "arch", cfg.Arch, "strategy", u.strategy)
	return u
}

func threadSize(cfg Config) uint64 {
	if cfg.ThreadSize != 0 {
		return cfg.ThreadSize
	}
	if cfg.Arch == symbolizer.ArchArm64 {
		return ThreadSizeArm64
	}
	return ThreadSizeArm
}

func (u *Unwinder) Strategy() Strategy { return u.strategy }

// Unwind walks from regs until the chain ends, a guard trips or
// MaxFrames frames have been produced. The seed frame is emitted only
// when regs carries a PC.
func (u *Unwinder) Unwind(regs Regs, bounds StackBounds) Backtrace {
	s := state{fp: regs.FP, sp: regs.SP, lr: regs.LR, pc: regs.PC, hasPC: regs.HasPC}
	if s.hasPC {
		s.pc = u.normalize(s.pc)
	}
	s.lr = u.normalize(s.lr)

	var bt Backtrace
	if s.hasPC {
		bt.Frames = append(bt.Frames, u.frame(s))
	}
	for {
		if len(bt.Frames) >= MaxFrames {
			bt.Stop = StopMaxFrames
			break
		}
		next, reason, ok := u.walk.step(s, bounds)
		if !ok {
			bt.Stop = reason
			break
		}
		bt.Frames = append(bt.Frames, u.frame(next))
		s = next
	}
	if bt.Stop.Corrupt() {
		u.logger.Debug("Unwind stopped early", "reason", bt.Stop, "frames", len(bt.Frames))
	}
	return bt
}

func (u *Unwinder) frame(s state) Frame {
	f := Frame{PC: s.pc, FP: s.fp, SP: s.sp}
	if u.syms != nil {
		f.Symbol, f.Resolved = u.syms.Resolve(s.pc)
	}
	return f
}
