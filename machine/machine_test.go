package machine_test

import (
	"errors"
	"testing"

	"github.com/bobuhiro11/gokvm-gpu/kvm"
	"github.com/bobuhiro11/gokvm-gpu/machine"
	"github.com/bobuhiro11/gokvm-gpu/memory"
)

func TestLoadKernelRejectsEmptyImage(t *testing.T) {
	t.Parallel()

	m, _, _, _ := newTestMachine(t)

	if err := m.LoadKernel(nil); !errors.Is(err, machine.ErrZeroSizeKernel) {
		t.Fatalf("err = %v, want ErrZeroSizeKernel", err)
	}
}

func TestLoadKernelRejectsOversizeImage(t *testing.T) {
	t.Parallel()

	m, _, _, mem := newTestMachine(t)

	if err := m.LoadKernel(make([]byte, len(mem)+1)); !errors.Is(err, machine.ErrKernelTooLarge) {
		t.Fatalf("err = %v, want ErrKernelTooLarge", err)
	}
}

func TestLoadKernelCopiesImageToRAMBase(t *testing.T) {
	t.Parallel()

	m, _, _, _ := newTestMachine(t)

	img := []byte{0xde, 0xad, 0xbe, 0xef}
	if err := m.LoadKernel(img); err != nil {
		t.Fatalf("LoadKernel: %v", err)
	}

	b, err := m.Guest().Bytes(memory.RAMBase, len(img))
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}

	for i, want := range img {
		if b[i] != want {
			t.Fatalf("byte %d = %#x, want %#x", i, b[i], want)
		}
	}
}

func TestInitRegsSetsPCAndPStateAndZeroesGPRs(t *testing.T) {
	t.Parallel()

	m, regs, _, _ := newTestMachine(t)

	regs.x[3] = 0xffff_ffff

	if err := m.InitRegs(); err != nil {
		t.Fatalf("InitRegs: %v", err)
	}

	if regs.pc != memory.RAMBase {
		t.Fatalf("pc = %#x, want %#x", regs.pc, uint64(memory.RAMBase))
	}

	if regs.pstate != kvm.PStateEL1hMasked {
		t.Fatalf("pstate = %#x, want %#x", regs.pstate, uint64(kvm.PStateEL1hMasked))
	}

	if regs.x[3] != 0 {
		t.Fatalf("X3 = %#x, want 0", regs.x[3])
	}
}
