// Package tasks enumerates the kernel's task list from the dump and
// unwinds each task's saved context.
package tasks

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/VladMinzatu/ramparse/internal/typeoracle"
	"github.com/VladMinzatu/ramparse/internal/unwind"
)

const commLen = 16

// Memory is the subset of mmu.Translator the walker reads through.
type Memory interface {
	ReadPointer(vaddr uint64) (uint64, bool)
	ReadU32(vaddr uint64) (uint32, bool)
	ReadCString(vaddr uint64, max int) (string, bool)
	PointerSize() int
}

// Task is one task_struct as found in the dump.
type Task struct {
	Addr  uint64
	PID   int32
	Comm  string
	Stack uint64
	// Regs is the context saved by the last context switch.
	Regs unwind.Regs
}

// Bounds returns the task's kernel stack range.
func (t Task) Bounds(threadSize uint64) unwind.StackBounds {
	if t.Stack == 0 {
		return unwind.StackBounds{}
	}
	return unwind.StackBounds{Low: t.Stack, High: t.Stack + threadSize}
}

type WalkOptions struct {
	// Slide is added to link-time symbol addresses.
	Slide    uint64
	MaxTasks int
	Logger   *slog.Logger
}

// layout holds the offsets resolved once per walk.
type layout struct {
	tasks       uint64
	threadGroup uint64
	hasGroup    bool
	pid         uint64
	comm        uint64
	stack       uint64

	// ctxInStack is set when cpu_context lives in thread_info at the base of
	// the stack rather than in task_struct.
	ctxInStack bool
	fp, sp, pc uint64
}

func resolveLayout(o typeoracle.Oracle, is64 bool) (layout, error) {
	var l layout
	var missing []string
	field := func(typ, path string) uint64 {
		off, ok := o.FieldOffset(typ, path)
		if !ok {
			missing = append(missing, typ+"."+path)
		}
		return off
	}

	l.tasks = field("task_struct", "tasks")
	l.pid = field("task_struct", "pid")
	l.comm = field("task_struct", "comm")
	l.stack = field("task_struct", "stack")
	l.threadGroup, l.hasGroup = o.FieldOffset("task_struct", "thread_group")

	if is64 {
		l.fp = field("task_struct", "thread.cpu_context.fp")
		l.sp = field("task_struct", "thread.cpu_context.sp")
		l.pc = field("task_struct", "thread.cpu_context.pc")
	} else {
		l.ctxInStack = true
		l.fp = field("thread_info", "cpu_context.fp")
		l.sp = field("thread_info", "cpu_context.sp")
		l.pc = field("thread_info", "cpu_context.pc")
	}
	if len(missing) > 0 {
		return l, fmt.Errorf("missing field offsets: %v", missing)
	}
	return l, nil
}

// Walker reads tasks off init_task.tasks, and each leader's thread_group
// when the layout has one.
type Walker struct {
	mem    Memory
	layout layout
	head   uint64
	opts   WalkOptions
	logger *slog.Logger
}

func NewWalker(mem Memory, o typeoracle.Oracle, opts WalkOptions) (*Walker, error) {
	if mem == nil || o == nil {
		return nil, errors.New("memory and oracle are required")
	}
	if opts.MaxTasks <= 0 {
		return nil, fmt.Errorf("invalid max tasks %d; must be > 0", opts.MaxTasks)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	l, err := resolveLayout(o, mem.PointerSize() == 8)
	if err != nil {
		return nil, err
	}
	initTask, err := typeoracle.MustAddress(o, "init_task")
	if err != nil {
		return nil, err
	}
	return &Walker{
		mem:    mem,
		layout: l,
		head:   initTask + opts.Slide,
		opts:   opts,
		logger: logger,
	}, nil
}

// Tasks walks the list. A broken link ends the walk with what was read so
// far; only an unreadable init_task is an error.
func (w *Walker) Tasks() ([]Task, error) {
	first, err := w.readTask(w.head)
	if err != nil {
		return nil, fmt.Errorf("init_task: %w", err)
	}
	out := []Task{first}
	seen := map[uint64]bool{w.head: true}

	add := func(addr uint64) bool {
		if seen[addr] {
			return true
		}
		if len(out) >= w.opts.MaxTasks {
			w.logger.Warn("Task list truncated", "max_tasks", w.opts.MaxTasks)
			return false
		}
		seen[addr] = true
		t, err := w.readTask(addr)
		if err != nil {
			w.logger.Warn("Skipping unreadable task", "addr", fmt.Sprintf("0x%x", addr), "error", err)
			return true
		}
		out = append(out, t)
		return true
	}

	leaders := w.list(w.head, w.layout.tasks)
	for _, leader := range leaders {
		if !add(leader) {
			return out, nil
		}
		if !w.layout.hasGroup {
			continue
		}
		for _, thread := range w.list(leader, w.layout.threadGroup) {
			if !add(thread) {
				return out, nil
			}
		}
	}
	return out, nil
}

// list follows the list_head at owner+off and returns the containing
// structs, excluding owner. The walk is bounded by MaxTasks.
func (w *Walker) list(owner, off uint64) []uint64 {
	headNode := owner + off
	var out []uint64
	node := headNode
	for i := 0; i < w.opts.MaxTasks; i++ {
		next, ok := w.mem.ReadPointer(node)
		if !ok {
			w.logger.Warn("Broken task list link", "node", fmt.Sprintf("0x%x", node))
			return out
		}
		if next == headNode || next == 0 {
			return out
		}
		out = append(out, next-off)
		node = next
	}
	return out
}

func (w *Walker) readTask(addr uint64) (Task, error) {
	l := w.layout
	t := Task{Addr: addr}

	pid, ok := w.mem.ReadU32(addr + l.pid)
	if !ok {
		return t, fmt.Errorf("pid at 0x%x unreadable", addr+l.pid)
	}
	t.PID = int32(pid)
	// An unreadable comm is not fatal for the task.
	t.Comm, _ = w.mem.ReadCString(addr+l.comm, commLen)
	t.Stack, _ = w.mem.ReadPointer(addr + l.stack)

	base := addr
	if l.ctxInStack {
		if t.Stack == 0 {
			return t, nil
		}
		base = t.Stack
	}
	t.Regs.FP, _ = w.mem.ReadPointer(base + l.fp)
	t.Regs.SP, _ = w.mem.ReadPointer(base + l.sp)
	pc, ok := w.mem.ReadPointer(base + l.pc)
	t.Regs.PC = pc
	t.Regs.HasPC = ok && pc != 0
	return t, nil
}
