package machine

import (
	"encoding/hex"
	"fmt"

	"github.com/bobuhiro11/gokvm-gpu/kvm"
)

// RunOnce resumes the vCPU until its next exit, classifies the exit and
// handles it. The returned bool reports whether the loop should continue;
// a non-nil error alongside cont=true is a logged, recoverable condition
// (spec.md §7's emulation-recoverable tier), while cont=false always ends
// the loop (exit-fatal or a clean halt).
func (m *Machine) RunOnce() (cont bool, err error) {
	if m.canceled {
		return false, kvm.ErrCanceled
	}

	runErr := m.run()

	switch m.exit.Reason() {
	case kvm.EXITMMIO:
		return true, m.handleDataAbort(true)
	case kvm.EXITARMNISV:
		return true, m.handleDataAbort(false)
	case kvm.EXITHYPERCALL:
		// Unused in this system; log and resume past it (§4.1's HVC row).
		if m.log != nil {
			m.log.Debug("exit loop: HVC exit, ignoring")
		}

		return true, m.advancePC()
	case kvm.EXITINTR:
		// A host signal interrupted KVM_RUN; transient, analogous to the
		// timer-activation exit spec.md §4.1 says to transparently ignore.
		return true, nil
	case kvm.EXITSYSTEMEVENT:
		// The guest issued a PSCI SYSTEM_OFF/SYSTEM_RESET: a graceful halt
		// request, spec.md §4.1's WFI/low-power row.
		return false, nil
	default:
		m.logMemoryAroundPC()

		if runErr != nil {
			return false, fmt.Errorf("%w: %s: %v", kvm.ErrUnexpectedExitReason, m.exit.Reason(), runErr)
		}

		return false, fmt.Errorf("%w: %s", kvm.ErrUnexpectedExitReason, m.exit.Reason())
	}
}

// logMemoryAroundPC hex-dumps a few guest-RAM bytes at PC through
// Guest.ReadAt, the diagnostic a field engineer wants alongside an
// exit-fatal error: what the guest was about to execute.
func (m *Machine) logMemoryAroundPC() {
	if m.log == nil {
		return
	}

	pc, err := m.regs.GetReg(kvm.RegPC())
	if err != nil {
		return
	}

	buf := make([]byte, 16)

	n, err := m.guest.ReadAt(buf, int64(pc-m.guest.Base()))
	if err != nil && n == 0 {
		return
	}

	m.log.WithField("pc", fmt.Sprintf("%#x", pc)).
		WithField("bytes", hex.EncodeToString(buf[:n])).
		Error("exit loop: unexpected exit, dumping guest memory at pc")
}

// advancePC increments PC by 4 without any device access, used for exit
// reasons that are acknowledged but never decoded (HVC).
func (m *Machine) advancePC() error {
	pc, err := m.regs.GetReg(kvm.RegPC())
	if err != nil {
		return fmt.Errorf("get pc: %w", err)
	}

	return m.regs.SetReg(kvm.RegPC(), pc+4)
}

// handleDataAbort decodes and dispatches a single MMIO-faulting data abort,
// then advances PC by 4 (§8 invariant 1). isv reports whether the kernel
// already resolved the access (KVM_EXIT_MMIO) or not (KVM_EXIT_ARM_NISV).
func (m *Machine) handleDataAbort(isv bool) error {
	pc, err := m.regs.GetReg(kvm.RegPC())
	if err != nil {
		return fmt.Errorf("get pc: %w", err)
	}

	var gpa uint64

	var isWrite bool

	if isv {
		gpa, _, _, isWrite = m.exit.MMIO()
	} else {
		esrISS, faultIPA := m.exit.ArmNISV()
		gpa = faultIPA
		isWrite = esrISS&(1<<6) != 0 // ESR_EL2.ISS.WnR
	}

	dev, offset, known := m.deviceFor(gpa)

	if isWrite {
		return m.handleStore(pc, dev, offset, known)
	}

	return m.handleLoad(pc, dev, offset, known, isv)
}

// handleStore ALWAYS recovers the source register by instruction fetch,
// per spec.md §4.1's "ISV is unreliable for stores" rule, then advances PC.
func (m *Machine) handleStore(pc uint64, dev MMIODevice, offset uint64, known bool) error {
	instr, err := m.fetchInstruction(pc)
	if err != nil {
		return m.advancePCAfter(err)
	}

	m.traceInstruction(instr, pc)

	rt := decodedRt(instr)

	val, err := m.regValue(rt)
	if err != nil {
		return m.advancePCAfter(fmt.Errorf("read X%d: %w", rt, err))
	}

	if known {
		dev.Store(offset, 4, uint32(val))
	}

	return m.advancePCAfter(nil)
}

// handleLoad honors ISV when set (writing the loaded value into the
// kvm_run mmio union so the kernel injects it into the decoded register);
// otherwise it falls back to instruction fetch to learn the destination
// register and writes it itself.
func (m *Machine) handleLoad(pc uint64, dev MMIODevice, offset uint64, known bool, isv bool) error {
	var val uint32
	if known {
		val = dev.Load(offset, 4)
	}

	if isv {
		m.exit.SetMMIOData(val)

		return m.advancePCAfter(nil)
	}

	instr, err := m.fetchInstruction(pc)
	if err != nil {
		return m.advancePCAfter(err)
	}

	m.traceInstruction(instr, pc)

	rt := decodedRt(instr)

	if err := m.setRegValue(rt, uint64(val)); err != nil {
		return m.advancePCAfter(fmt.Errorf("write X%d: %w", rt, err))
	}

	return m.advancePCAfter(nil)
}

// advancePCAfter advances PC by 4 unconditionally, then returns origErr so
// callers can chain PC advancement with error propagation in one line.
func (m *Machine) advancePCAfter(origErr error) error {
	if err := m.advancePC(); err != nil {
		if origErr != nil {
			return fmt.Errorf("%w (also failed to advance pc: %v)", origErr, err)
		}

		return fmt.Errorf("advance pc: %w", err)
	}

	return origErr
}
