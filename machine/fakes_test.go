package machine_test

import (
	"encoding/binary"

	"github.com/bobuhiro11/gokvm-gpu/kvm"
)

// fakeRegs is an in-memory RegisterFile standing in for a real vCPU,
// letting the dispatcher tests run without KVM (spec.md §5's testability
// note).
type fakeRegs struct {
	x      [31]uint64
	pc     uint64
	pstate uint64
}

func (f *fakeRegs) GetReg(id uint64) (uint64, error) {
	switch {
	case id == kvm.RegPC():
		return f.pc, nil
	case id == kvm.RegPState():
		return f.pstate, nil
	default:
		for n := 0; n <= 30; n++ {
			if id == kvm.RegX(n) {
				return f.x[n], nil
			}
		}
	}

	return 0, nil
}

func (f *fakeRegs) SetReg(id uint64, val uint64) error {
	switch {
	case id == kvm.RegPC():
		f.pc = val
	case id == kvm.RegPState():
		f.pstate = val
	default:
		for n := 0; n <= 30; n++ {
			if id == kvm.RegX(n) {
				f.x[n] = val
			}
		}
	}

	return nil
}

// fakeExit is a scripted ExitInfo: set Reason/mmio fields directly, as a
// real kvm.RunData would be populated by KVM_RUN.
type fakeExit struct {
	reason        kvm.ExitType
	physAddr      uint64
	mmioData      [8]byte
	mmioLen       uint32
	mmioIsWrite   bool
	esrISS        uint64
	faultIPA      uint64
	lastMMIOWrite uint32
}

func (f *fakeExit) Reason() kvm.ExitType { return f.reason }

func (f *fakeExit) MMIO() (uint64, [8]byte, uint32, bool) {
	return f.physAddr, f.mmioData, f.mmioLen, f.mmioIsWrite
}

func (f *fakeExit) ArmNISV() (uint64, uint64) { return f.esrISS, f.faultIPA }

func (f *fakeExit) SetMMIOData(val uint32) { f.lastMMIOWrite = val }

// encodeStrW32 builds a minimal STR (immediate, 32-bit) instruction word
// whose Rt field (bits [4:0]) is rt, which is all fetchInstruction's
// caller needs: the real opcode bits above Rt are irrelevant to Rt
// recovery.
func encodeStrW32(rt uint8) uint32 {
	return 0xB9000000 | uint32(rt&0x1f)
}

func putInstr(mem []byte, off uint64, instr uint32) {
	binary.LittleEndian.PutUint32(mem[off:off+4], instr)
}
