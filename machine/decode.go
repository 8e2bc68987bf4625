package machine

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/arch/arm64/arm64asm"

	"github.com/bobuhiro11/gokvm-gpu/kvm"
)

// fetchInstruction reads the 32-bit instruction word at the faulting PC.
// The decoder falls back to this for every store (ISV is not trusted for
// stores, spec.md §4.1) and for loads whose ISV bit was not set.
func (m *Machine) fetchInstruction(pc uint64) (uint32, error) {
	b, err := m.guest.Bytes(pc, 4)
	if err != nil {
		return 0, fmt.Errorf("fetch instruction at pc %#x: %w", pc, err)
	}

	return binary.LittleEndian.Uint32(b), nil
}

// decodedRt extracts the Rt register index from an AArch64 load/store
// instruction word: bits [4:0] in every LDR/STR encoding this VMM's guest
// driver can generate for a naturally aligned 32-bit MMIO access.
func decodedRt(instr uint32) uint8 {
	return uint8(instr & 0x1f)
}

// traceInstruction logs a best-effort mnemonic for the faulting instruction
// via arm64asm; decode failures are not fatal since Rt recovery never
// depends on a full decode.
func (m *Machine) traceInstruction(instr uint32, pc uint64) {
	if m.log == nil {
		return
	}

	var buf [4]byte

	binary.LittleEndian.PutUint32(buf[:], instr)

	inst, err := arm64asm.Decode(buf[:])
	if err != nil {
		m.log.WithField("pc", fmt.Sprintf("%#x", pc)).
			WithField("instr", fmt.Sprintf("%#08x", instr)).
			Debug("mmio: instruction decode failed, using raw Rt extraction")

		return
	}

	m.log.WithField("pc", fmt.Sprintf("%#x", pc)).
		WithField("instr", inst.String()).
		Debug("mmio: faulting instruction")
}

// regValue reads Xn for n in [0,30]; register 31 is the AArch64 zero
// register and always reads as 0 without touching the vCPU (spec.md §4.1).
func (m *Machine) regValue(n uint8) (uint64, error) {
	if n == 31 {
		return 0, nil
	}

	return m.regs.GetReg(kvm.RegX(int(n)))
}

// setRegValue writes Xn for n in [0,30]; writing to 31 is a no-op.
func (m *Machine) setRegValue(n uint8, val uint64) error {
	if n == 31 {
		return nil
	}

	return m.regs.SetReg(kvm.RegX(int(n)), val)
}
