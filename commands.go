package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/VladMinzatu/ramparse/internal/exporter"
	"github.com/VladMinzatu/ramparse/internal/pprof"
	"github.com/VladMinzatu/ramparse/internal/session"
	"github.com/VladMinzatu/ramparse/internal/symbolizer"
	"github.com/VladMinzatu/ramparse/internal/unwind"
)

func segments(s *session.Session) error {
	exporter.WriteSegments(os.Stdout, s.Store().Segments())
	return nil
}

func virtToPhys(s *session.Session, vaddr uint64) error {
	pa, ok := s.Translator().VirtToPhys(vaddr)
	if !ok {
		return fmt.Errorf("0x%x is not mapped", vaddr)
	}
	fmt.Printf("0x%x -> 0x%x\n", vaddr, pa)
	return nil
}

func lookup(s *session.Session, addr uint64, mode string) error {
	m := symbolizer.ModeOffset
	if mode == "size" {
		m = symbolizer.ModeSize
	}
	name, v, ok := s.Symbols().Lookup(addr, m)
	if !ok {
		return fmt.Errorf("no symbol covers 0x%x", addr)
	}
	insn, _ := symbolizer.Disassemble(s.Arch(), s.Translator(), addr)
	fmt.Printf("0x%x %s %s=0x%x\t%s\n", addr, name, mode, v, insn)
	return nil
}

type btParams struct {
	fp, sp, pc, lr hexFlag
	low, high      hexFlag
	disasm         bool
}

func backtrace(s *session.Session, p btParams) error {
	if p.low.set != p.high.set {
		return errors.New("--stack-low and --stack-high go together")
	}
	regs := unwind.Regs{FP: p.fp.v, SP: p.sp.v, LR: p.lr.v, PC: p.pc.v, HasPC: p.pc.set}
	bounds := unwind.StackBounds{Low: p.low.v, High: p.high.v}
	var disasm exporter.Disassembler
	if p.disasm {
		disasm = func(pc uint64) (string, bool) {
			return symbolizer.Disassemble(s.Arch(), s.Translator(), pc)
		}
	}
	exporter.WriteBacktrace(os.Stdout, s.Backtrace(regs, bounds), disasm)
	return nil
}

func listTasks(ctx context.Context, s *session.Session) error {
	samples, err := s.CollectTasks(ctx)
	if err != nil {
		return err
	}
	exporter.WriteTasks(os.Stdout, samples)
	return nil
}

type exportParams struct {
	format   string
	out      string
	commRoot bool
}

func exportProfile(ctx context.Context, s *session.Session, p exportParams) error {
	samples, err := s.CollectTasks(ctx)
	if err != nil {
		return err
	}
	now := time.Now()

	switch p.format {
	case "folded":
		root := exporter.RootFrame(exporter.NoRoot)
		if p.commRoot {
			root = exporter.CommRoot
		}
		return exporter.WriteFoldedStacksToFile(exporter.BuildFoldedStacks(samples, root), p.out)
	case "pprof":
		prof, err := pprof.BuildPprofProfile(samples, "tasks", "count", now.UnixNano())
		if err != nil {
			return fmt.Errorf("failed to build pprof profile: %w", err)
		}
		return writeFile(p.out, func(f *os.File) error { return pprof.WriteProfileGzip(prof, f) })
	default:
		meta := exporter.Meta{Arch: s.Arch().String(), KernelVersion: s.KernelVersion().String()}
		data := exporter.BuildOtlpProfile(samples, meta, func() uint64 { return uint64(now.UnixNano()) })
		return writeFile(p.out, func(f *os.File) error {
			return exporter.WriteOtlpRequest(data, f, p.format == "otlp-json")
		})
	}
}

func writeFile(path string, write func(f *os.File) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
