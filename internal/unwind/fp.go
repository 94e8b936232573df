package unwind

// Memory reads kernel virtual memory.
type Memory interface {
	ReadU32(vaddr uint64) (uint32, bool)
	ReadU64(vaddr uint64) (uint64, bool)
}

type stepper interface {
	step(s state, bounds StackBounds) (state, StopReason, bool)
}

// fp64 follows AArch64 frame records: {fp, lr} at fp.
type fp64 struct {
	mem       Memory
	normalize func(uint64) uint64
}

func (w fp64) step(s state, bounds StackBounds) (state, StopReason, bool) {
	fp := w.normalize(s.fp)
	if fp == 0 {
		return state{}, StopEnd, false
	}
	if fp&7 != 0 || (bounds.High != 0 && !bounds.contains(fp)) {
		return state{}, StopOutOfBounds, false
	}
	nextFP, ok := w.mem.ReadU64(fp)
	if !ok {
		return state{}, StopReadFailed, false
	}
	lr, ok := w.mem.ReadU64(fp + 8)
	if !ok {
		return state{}, StopReadFailed, false
	}
	nextFP, lr = w.normalize(nextFP), w.normalize(lr)
	if nextFP == 0 && lr == 0 {
		return state{}, StopEnd, false
	}
	pc := lr
	if pc != 0 {
		pc -= 4
	}
	return state{fp: nextFP, sp: fp + 16, lr: lr, pc: pc, hasPC: true}, 0, true
}

// fp32 follows the APCS frame layout: {fp, sp, pc} saved just below fp.
type fp32 struct {
	mem        Memory
	threadSize uint64
}

func (w fp32) step(s state, bounds StackBounds) (state, StopReason, bool) {
	low := s.sp
	high := bounds.High
	if high == 0 {
		high = alignUp(low, w.threadSize)
	}
	fp := s.fp
	if fp < low+12 || fp+4 > high {
		if fp == 0 {
			return state{}, StopEnd, false
		}
		return state{}, StopOutOfBounds, false
	}
	nextFP, ok1 := w.mem.ReadU32(fp - 12)
	nextSP, ok2 := w.mem.ReadU32(fp - 8)
	pc, ok3 := w.mem.ReadU32(fp - 4)
	if !ok1 || !ok2 || !ok3 {
		return state{}, StopReadFailed, false
	}
	if pc == 0 {
		return state{}, StopEnd, false
	}
	return state{fp: uint64(nextFP), sp: uint64(nextSP), pc: uint64(pc), hasPC: true}, 0, true
}

func alignUp(v, align uint64) uint64 {
	if align == 0 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}
