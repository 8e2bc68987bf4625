package machine_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/bobuhiro11/gokvm-gpu/kvm"
	"github.com/bobuhiro11/gokvm-gpu/machine"
	"github.com/bobuhiro11/gokvm-gpu/memory"
)

type recordingDevice struct {
	stores  []uint32
	loadVal uint32
}

func (d *recordingDevice) Load(offset uint64, size int) uint32 {
	return d.loadVal
}

func (d *recordingDevice) Store(offset uint64, size int, val uint32) {
	d.stores = append(d.stores, val)
}

func newTestMachine(t *testing.T) (*machine.Machine, *fakeRegs, *fakeExit, []byte) {
	t.Helper()

	mem := make([]byte, 1<<20)
	guest := memory.NewGuest(mem, memory.RAMBase)
	regs := &fakeRegs{pc: memory.RAMBase}
	exit := &fakeExit{}

	m := machine.NewForTest(guest, regs, exit, func() error { return nil }, nil)

	return m, regs, exit, mem
}

func TestDataAbortStoreAdvancesPCByFour(t *testing.T) {
	t.Parallel()

	m, regs, exit, mem := newTestMachine(t)

	dev := &recordingDevice{}
	m.RegisterDevice(memory.UARTBase, memory.UARTSize, dev)

	putInstr(mem, regs.pc, encodeStrW32(3))
	regs.x[3] = 0x48

	exit.reason = kvm.EXITMMIO
	exit.physAddr = memory.UARTBase
	exit.mmioIsWrite = true

	startPC := regs.pc

	cont, err := m.RunOnce()
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if !cont {
		t.Fatalf("expected cont=true for MMIO exit")
	}

	if regs.pc != startPC+4 {
		t.Fatalf("pc = %#x, want %#x", regs.pc, startPC+4)
	}

	if len(dev.stores) != 1 || dev.stores[0] != 0x48 {
		t.Fatalf("stores = %v, want [0x48]", dev.stores)
	}
}

func TestStoreFromZeroRegisterWritesZero(t *testing.T) {
	t.Parallel()

	m, regs, exit, mem := newTestMachine(t)

	dev := &recordingDevice{}
	m.RegisterDevice(memory.UARTBase, memory.UARTSize, dev)

	putInstr(mem, regs.pc, encodeStrW32(31))

	exit.reason = kvm.EXITMMIO
	exit.physAddr = memory.UARTBase
	exit.mmioIsWrite = true

	if _, err := m.RunOnce(); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if len(dev.stores) != 1 || dev.stores[0] != 0 {
		t.Fatalf("stores = %v, want [0]", dev.stores)
	}
}

func TestLoadWithISVWritesMMIOData(t *testing.T) {
	t.Parallel()

	m, regs, exit, _ := newTestMachine(t)

	dev := &recordingDevice{loadVal: 0xCAFE}
	m.RegisterDevice(memory.GPUBase, memory.GPUSize, dev)

	exit.reason = kvm.EXITMMIO
	exit.physAddr = memory.GPUBase
	exit.mmioIsWrite = false

	startPC := regs.pc

	if _, err := m.RunOnce(); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if exit.lastMMIOWrite != 0xCAFE {
		t.Fatalf("lastMMIOWrite = %#x, want 0xCAFE", exit.lastMMIOWrite)
	}

	if regs.pc != startPC+4 {
		t.Fatalf("pc = %#x, want %#x", regs.pc, startPC+4)
	}
}

func TestLoadWithoutISVWritesDestinationRegister(t *testing.T) {
	t.Parallel()

	m, regs, exit, mem := newTestMachine(t)

	dev := &recordingDevice{loadVal: 0x1234}
	m.RegisterDevice(memory.GPUBase, memory.GPUSize, dev)

	putInstr(mem, regs.pc, encodeStrW32(5))

	exit.reason = kvm.EXITARMNISV
	exit.faultIPA = memory.GPUBase
	exit.esrISS = 0 // WnR=0: load

	if _, err := m.RunOnce(); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if regs.x[5] != 0x1234 {
		t.Fatalf("X5 = %#x, want 0x1234", regs.x[5])
	}
}

func TestUnknownMMIOAddressStoreIsDroppedAndAdvancesPC(t *testing.T) {
	t.Parallel()

	m, regs, exit, mem := newTestMachine(t)

	putInstr(mem, regs.pc, encodeStrW32(2))
	regs.x[2] = 0xFF

	exit.reason = kvm.EXITMMIO
	exit.physAddr = 0x1234_0000 // not registered
	exit.mmioIsWrite = true

	startPC := regs.pc

	cont, err := m.RunOnce()
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if !cont {
		t.Fatalf("expected cont=true")
	}

	if regs.pc != startPC+4 {
		t.Fatalf("pc = %#x, want %#x", regs.pc, startPC+4)
	}
}

func TestHypercallExitAdvancesPCAndContinues(t *testing.T) {
	t.Parallel()

	m, regs, exit, _ := newTestMachine(t)

	exit.reason = kvm.EXITHYPERCALL
	startPC := regs.pc

	cont, err := m.RunOnce()
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if !cont {
		t.Fatalf("expected cont=true for HVC exit")
	}

	if regs.pc != startPC+4 {
		t.Fatalf("pc = %#x, want %#x", regs.pc, startPC+4)
	}
}

func TestSystemEventExitTerminatesLoop(t *testing.T) {
	t.Parallel()

	m, _, exit, _ := newTestMachine(t)

	exit.reason = kvm.EXITSYSTEMEVENT

	cont, err := m.RunOnce()
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if cont {
		t.Fatalf("expected cont=false for system-event exit")
	}
}

func TestUnexpectedExitReasonIsFatal(t *testing.T) {
	t.Parallel()

	m, _, exit, _ := newTestMachine(t)

	exit.reason = kvm.EXITFAILENTRY

	cont, err := m.RunOnce()
	if cont {
		t.Fatalf("expected cont=false")
	}

	if err == nil {
		t.Fatalf("expected an error")
	}
}

func TestUnexpectedExitReasonLogsMemoryDumpAtPC(t *testing.T) {
	t.Parallel()

	mem := make([]byte, 1<<20)
	guest := memory.NewGuest(mem, memory.RAMBase)
	regs := &fakeRegs{pc: memory.RAMBase}
	exit := &fakeExit{reason: kvm.EXITFAILENTRY}

	putInstr(mem, regs.pc, 0xd503201f) // NOP, arbitrary bytes to dump

	var buf bytes.Buffer

	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetLevel(logrus.ErrorLevel)

	m := machine.NewForTest(guest, regs, exit, func() error { return nil }, logger.WithField("test", "dump"))

	if _, err := m.RunOnce(); err == nil {
		t.Fatalf("expected an error")
	}

	if !strings.Contains(buf.String(), "1f2003d5") {
		t.Fatalf("log output = %q, want it to contain the dumped bytes", buf.String())
	}
}

func TestCancelStopsBeforeNextExit(t *testing.T) {
	t.Parallel()

	m, _, _, _ := newTestMachine(t)

	m.Cancel()

	cont, err := m.RunOnce()
	if cont {
		t.Fatalf("expected cont=false after Cancel")
	}

	if err != kvm.ErrCanceled {
		t.Fatalf("err = %v, want ErrCanceled", err)
	}
}
