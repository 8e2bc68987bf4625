// Package machine owns the vCPU exit loop: it drives KVM_RUN, classifies
// each exit by the kvm_run exit reason, decodes the faulting instruction
// when the syndrome register alone is not enough, and dispatches MMIO
// accesses to the UART and virtio-GPU transport.
package machine

import (
	"errors"
	"fmt"
	"runtime"
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/bobuhiro11/gokvm-gpu/kvm"
	"github.com/bobuhiro11/gokvm-gpu/memory"
)

// ErrZeroSizeKernel indicates an empty kernel image was supplied.
var ErrZeroSizeKernel = errors.New("kernel is 0 bytes")

// ErrKernelTooLarge indicates the kernel image does not fit in RAM.
var ErrKernelTooLarge = errors.New("kernel image larger than RAM region")

// ErrMemTooSmall indicates the requested memory size does not match the
// fixed RAM size this VMM targets.
var ErrMemTooSmall = fmt.Errorf("mem size must equal %d bytes", memory.RAMSize)

// mmioRange binds an MMIODevice to the guest-physical window it answers for.
type mmioRange struct {
	base uint64
	size uint64
	dev  MMIODevice
}

// RegisterFile is vCPU general-purpose register access, abstracted so the
// exit-loop dispatcher can be driven against a fake in tests instead of a
// real vCPU fd (spec.md §5's testability note).
type RegisterFile interface {
	GetReg(id uint64) (uint64, error)
	SetReg(id uint64, val uint64) error
}

// ExitInfo is the subset of kvm_run the dispatcher reads after KVM_RUN
// returns. *kvm.RunData implements it; tests supply a fake.
type ExitInfo interface {
	Reason() kvm.ExitType
	MMIO() (physAddr uint64, data [8]byte, length uint32, isWrite bool)
	ArmNISV() (esrISS uint64, faultIPA uint64)
	SetMMIOData(val uint32)
}

// vcpuRegisterFile is the real RegisterFile, bound to a live vCPU fd.
type vcpuRegisterFile struct{ fd uintptr }

func (r vcpuRegisterFile) GetReg(id uint64) (uint64, error) { return kvm.GetOneReg(r.fd, id) }
func (r vcpuRegisterFile) SetReg(id uint64, val uint64) error {
	return kvm.SetOneReg(r.fd, id, val)
}

// Machine owns the single vCPU, the RAM region and the registered MMIO
// devices: exactly the global state spec.md calls for, encapsulated behind
// a constructor instead of package-level variables so tests can exercise
// the dispatcher without a real VM.
type Machine struct {
	kvmFd  uintptr
	vmFd   uintptr
	vcpuFd uintptr

	regs RegisterFile
	exit ExitInfo
	run  func() error

	mem   []byte
	guest *memory.Guest

	ranges []mmioRange

	log *logrus.Entry

	iterationCeiling int
	canceled         bool
}

// Cancel requests that the exit loop stop before its next iteration, the
// host-initiated cancellation path of spec.md §5.
func (m *Machine) Cancel() { m.canceled = true }

// New opens kvmPath, creates a VM and a single vCPU, installs the fixed
// RAM region, and performs the arm64 vCPU-init handshake. memSize must
// equal memory.RAMSize; the rest of the layout is fixed (spec.md §6).
func New(kvmPath string, memSize int, log *logrus.Entry) (*Machine, error) {
	if memSize != memory.RAMSize {
		return nil, ErrMemTooSmall
	}

	m := &Machine{log: log, iterationCeiling: 1 << 30}

	devKVM, err := kvm.Open(kvmPath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", kvmPath, err)
	}

	m.kvmFd = devKVM.Fd()

	if m.vmFd, err = kvm.CreateVM(m.kvmFd); err != nil {
		return nil, fmt.Errorf("CreateVM: %w", err)
	}

	mem, err := unix.Mmap(-1, 0, memSize,
		unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mmap guest RAM: %w", err)
	}

	m.mem = mem
	m.guest = memory.NewGuest(mem, memory.RAMBase)

	region := &kvm.UserspaceMemoryRegion{
		Slot:          0,
		GuestPhysAddr: memory.RAMBase,
		MemorySize:    uint64(memSize),
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&mem[0]))),
	}

	if err := kvm.SetUserMemoryRegion(m.vmFd, region); err != nil {
		return nil, fmt.Errorf("SetUserMemoryRegion: %w", err)
	}

	mmapSize, err := kvm.GetVCPUMMapSize(m.kvmFd)
	if err != nil {
		return nil, fmt.Errorf("GetVCPUMMapSize: %w", err)
	}

	if m.vcpuFd, err = kvm.CreateVCPU(m.vmFd, 0); err != nil {
		return nil, fmt.Errorf("CreateVCPU: %w", err)
	}

	target, err := kvm.ArmPreferredTarget(m.vmFd)
	if err != nil {
		return nil, fmt.Errorf("ArmPreferredTarget: %w", err)
	}

	if err := kvm.ArmVCPUInit(m.vcpuFd, target, [7]uint32{}); err != nil {
		return nil, fmt.Errorf("ArmVCPUInit: %w", err)
	}

	run, err := kvm.MapRunData(m.vcpuFd, int(mmapSize))
	if err != nil {
		return nil, fmt.Errorf("MapRunData: %w", err)
	}

	m.exit = run
	m.regs = vcpuRegisterFile{fd: m.vcpuFd}
	m.run = func() error { return kvm.Run(m.vcpuFd) }

	return m, nil
}

// NewForTest builds a Machine around a fake RegisterFile and ExitInfo,
// bypassing real KVM entirely, so the exit-loop dispatcher can be exercised
// against a faked guest-memory region and a faked vCPU (spec.md §5).
func NewForTest(guest *memory.Guest, regs RegisterFile, exit ExitInfo, run func() error, log *logrus.Entry) *Machine {
	return &Machine{
		guest:            guest,
		regs:             regs,
		exit:             exit,
		run:              run,
		log:              log,
		iterationCeiling: 1 << 30,
	}
}

// Guest returns the guest-physical RAM accessor.
func (m *Machine) Guest() *memory.Guest { return m.guest }

// RegisterDevice binds dev to the guest-physical window [base, base+size).
func (m *Machine) RegisterDevice(base, size uint64, dev MMIODevice) {
	m.ranges = append(m.ranges, mmioRange{base: base, size: size, dev: dev})
}

// deviceFor resolves a faulting guest-physical address to a registered
// device and its offset within that device's window, or ok=false for an
// unknown MMIO address (loads return 0, stores are dropped — §4.1).
func (m *Machine) deviceFor(gpa uint64) (dev MMIODevice, offset uint64, ok bool) {
	for _, r := range m.ranges {
		if gpa >= r.base && gpa < r.base+r.size {
			return r.dev, gpa - r.base, true
		}
	}

	return nil, 0, false
}

// LoadKernel copies a flat kernel binary byte-for-byte to RAM base.
func (m *Machine) LoadKernel(kernel []byte) error {
	if len(kernel) == 0 {
		return ErrZeroSizeKernel
	}

	if len(kernel) > m.guest.Size() {
		return ErrKernelTooLarge
	}

	dst, err := m.guest.Bytes(m.guest.Base(), len(kernel))
	if err != nil {
		return err
	}

	copy(dst, kernel)

	return nil
}

// InitRegs sets PC = RAM base, PSTATE = EL1h with interrupts masked, and
// X0 = 0 (no device tree), per the boot ABI in spec.md §6.
func (m *Machine) InitRegs() error {
	if err := m.regs.SetReg(kvm.RegPC(), memory.RAMBase); err != nil {
		return fmt.Errorf("set PC: %w", err)
	}

	if err := m.regs.SetReg(kvm.RegPState(), kvm.PStateEL1hMasked); err != nil {
		return fmt.Errorf("set PSTATE: %w", err)
	}

	for n := 0; n <= 30; n++ {
		if err := m.regs.SetReg(kvm.RegX(n), 0); err != nil {
			return fmt.Errorf("set X%d: %w", n, err)
		}
	}

	return nil
}

// Close releases the vCPU, VM and RAM in reverse order of acquisition.
func (m *Machine) Close() error {
	if m.vcpuFd != 0 {
		_ = unix.Close(int(m.vcpuFd))
	}

	if m.mem != nil {
		_ = unix.Munmap(m.mem)
	}

	if m.vmFd != 0 {
		_ = unix.Close(int(m.vmFd))
	}

	if m.kvmFd != 0 {
		_ = unix.Close(int(m.kvmFd))
	}

	return nil
}

// RunLoop drives RunOnce until it signals the exit loop should stop,
// locking the OS thread for the run's duration the way every KVM_RUN caller
// must (vCPU ioctls must be issued from the thread that created the vCPU).
func (m *Machine) RunLoop() error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for i := 0; i < m.iterationCeiling; i++ {
		cont, err := m.RunOnce()
		if !cont {
			return err
		}

		if err != nil && m.log != nil {
			m.log.WithError(err).Warn("exit loop: recoverable error")
		}
	}

	return nil
}
