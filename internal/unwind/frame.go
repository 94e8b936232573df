// Package unwind rebuilds kernel call stacks from a saved register set,
// either through the ARM EHABI unwind tables or by following frame
// pointers.
package unwind

import (
	"fmt"

	"github.com/VladMinzatu/ramparse/internal/symbolizer"
)

// MaxFrames caps every backtrace.
const MaxFrames = 128

// Regs is the seed state of an unwind. PC is optional; without it the
// first emitted frame is the caller of the seed frame.
type Regs struct {
	FP, SP, LR, PC uint64
	HasPC          bool
}

// StackBounds is the [Low, High) range of the thread stack. The zero
// value lets the unwinder derive it from SP and the thread size.
type StackBounds struct {
	Low, High uint64
}

func (b StackBounds) contains(addr uint64) bool {
	return addr >= b.Low && addr < b.High
}

type Frame struct {
	PC     uint64
	FP, SP uint64
	Symbol symbolizer.Symbol
	// Resolved is false when PC fell outside the symbol table.
	Resolved bool
}

func (f Frame) String() string {
	if !f.Resolved {
		return fmt.Sprintf("0x%x", f.PC)
	}
	return fmt.Sprintf("%s (0x%x)", f.Symbol, f.PC)
}

type StopReason int

const (
	StopEnd StopReason = iota
	StopReadFailed
	StopOutOfBounds
	StopNoIndex
	StopCannotUnwind
	StopRefused
	StopBadOpcode
	StopNoProgress
	StopMaxFrames
	StopNoPC
)

func (r StopReason) String() string {
	switch r {
	case StopEnd:
		return "end of chain"
	case StopReadFailed:
		return "memory read failed"
	case StopOutOfBounds:
		return "stack pointer out of bounds"
	case StopNoIndex:
		return "no unwind index entry"
	case StopCannotUnwind:
		return "function marked cannot-unwind"
	case StopRefused:
		return "refuse-to-unwind opcode"
	case StopBadOpcode:
		return "unrecognized unwind opcode"
	case StopNoProgress:
		return "pc did not change"
	case StopMaxFrames:
		return "frame limit reached"
	case StopNoPC:
		return "seed has no pc"
	}
	return fmt.Sprintf("StopReason(%d)", int(r))
}

// Corrupt reports whether the stop indicates a damaged table or stack
// rather than a clean end.
func (r StopReason) Corrupt() bool {
	switch r {
	case StopRefused, StopBadOpcode, StopOutOfBounds, StopNoProgress:
		return true
	}
	return false
}

type Backtrace struct {
	Frames []Frame
	Stop   StopReason
}

// PCs returns the program counters in frame order.
func (b Backtrace) PCs() []uint64 {
	pcs := make([]uint64, len(b.Frames))
	for i, f := range b.Frames {
		pcs[i] = f.PC
	}
	return pcs
}

// state is the working StackFrame of one unwind.
type state struct {
	fp, sp, lr, pc uint64
	hasPC          bool
}
