package symbolizer

import (
	"encoding/binary"

	"golang.org/x/arch/arm/armasm"
	"golang.org/x/arch/arm64/arm64asm"
)

const jumpTableMarker = "[jt]"

type Arch int

const (
	ArchArm64 Arch = iota
	ArchArm
)

func (a Arch) String() string {
	if a == ArchArm {
		return "arm"
	}
	return "arm64"
}

// hop returns the target of an unconditional branch at addr.
func (t *Table) hop(addr uint64) (uint64, bool) {
	if t.opts.Code == nil {
		return 0, false
	}
	word, ok := t.opts.Code.ReadU32(addr)
	if !ok {
		return 0, false
	}
	if t.opts.Arch == ArchArm {
		return branchTargetArm(addr, word)
	}
	return branchTargetArm64(addr, word)
}

func branchTargetArm64(pc uint64, word uint32) (uint64, bool) {
	if word&0xfc000000 != 0x14000000 {
		return 0, false
	}
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], word)
	inst, err := arm64asm.Decode(buf[:])
	if err != nil || inst.Op != arm64asm.B {
		return 0, false
	}
	rel, ok := inst.Args[0].(arm64asm.PCRel)
	if !ok {
		return 0, false
	}
	return pc + uint64(int64(rel)), true
}

// branchTargetArm accepts only the always-executed B; the ARM PC reads
// two instructions ahead.
func branchTargetArm(pc uint64, word uint32) (uint64, bool) {
	if word&0x0f000000 != 0x0a000000 || word>>28 != 0xe {
		return 0, false
	}
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], word)
	inst, err := armasm.Decode(buf[:], armasm.ModeARM)
	if err != nil || inst.Op != armasm.B {
		return 0, false
	}
	rel, ok := inst.Args[0].(armasm.PCRel)
	if !ok {
		return 0, false
	}
	return uint64(uint32(int64(pc) + 8 + int64(rel))), true
}

// Disassemble renders the instruction at addr, for reports.
func Disassemble(arch Arch, code CodeReader, addr uint64) (string, bool) {
	word, ok := code.ReadU32(addr)
	if !ok {
		return "", false
	}
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], word)
	if arch == ArchArm {
		inst, err := armasm.Decode(buf[:], armasm.ModeARM)
		if err != nil {
			return "", false
		}
		return armasm.GNUSyntax(inst), true
	}
	inst, err := arm64asm.Decode(buf[:])
	if err != nil {
		return "", false
	}
	return arm64asm.GNUSyntax(inst), true
}
