// Package kvm is the thin ioctl layer over /dev/kvm for a single arm64
// vCPU: no irqchip, no PIT, no CPUID — the arm64 KVM ABI replaces register
// access with KVM_GET_ONE_REG/KVM_SET_ONE_REG and exposes capabilities
// through KVM_CHECK_EXTENSION rather than CPUID leaves.
package kvm

import (
	"encoding/binary"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	kvmGetAPIVersion         = 0x00
	kvmCreateVM              = 0x01
	kvmCheckExtension        = 0x03
	kvmGetVCPUMMapSize       = 0x04
	kvmCreateVCPU            = 0x41
	kvmSetUserMemoryRegionNR = 0x46
	kvmRun                   = 0x80
	kvmGetOneReg             = 0xab
	kvmSetOneReg             = 0xac
	kvmArmVCPUInit           = 0xae
	kvmArmPreferredTarget    = 0xaf
)

// Open opens the KVM device node, by default /dev/kvm.
func Open(path string) (*os.File, error) {
	if path == "" {
		path = "/dev/kvm"
	}

	return os.OpenFile(path, os.O_RDWR, 0o644)
}

// GetAPIVersion calls KVM_GET_API_VERSION. The stable ABI version is 12.
func GetAPIVersion(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, IIO(kvmGetAPIVersion), 0)
}

// CreateVM calls KVM_CREATE_VM and returns the new VM's file descriptor.
func CreateVM(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, IIO(kvmCreateVM), 0)
}

// CreateVCPU calls KVM_CREATE_VCPU for vCPU index cpu and returns its fd.
func CreateVCPU(vmFd uintptr, cpu int) (uintptr, error) {
	return Ioctl(vmFd, IIO(kvmCreateVCPU), uintptr(cpu))
}

// GetVCPUMMapSize calls KVM_GET_VCPU_MMAP_SIZE, the size to mmap off a vCPU
// fd to get at its kvm_run structure.
func GetVCPUMMapSize(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, IIO(kvmGetVCPUMMapSize), 0)
}

// Run calls KVM_RUN: resume the vCPU until it exits.
func Run(vcpuFd uintptr) error {
	_, err := Ioctl(vcpuFd, IIO(kvmRun), 0)

	return err
}

// ArmVCPUInit calls KVM_ARM_VCPU_INIT with the given target and feature
// bitmap (spec.md §6's boot ABI: EL1h, interrupts masked — no PSCI feature
// is requested since this system never boots a second vCPU).
func ArmVCPUInit(vcpuFd uintptr, target uint32, features [7]uint32) error {
	type kvmVCPUInit struct {
		Target   uint32
		Features [7]uint32
	}

	init := kvmVCPUInit{Target: target, Features: features}
	_, err := Ioctl(vcpuFd, IIOW(kvmArmVCPUInit, unsafe.Sizeof(init)), uintptr(unsafe.Pointer(&init)))

	return err
}

// ArmPreferredTarget calls KVM_ARM_PREFERRED_TARGET to ask the host which
// CPU target id to pass back into ArmVCPUInit.
func ArmPreferredTarget(vmFd uintptr) (uint32, error) {
	type kvmVCPUInit struct {
		Target   uint32
		Features [7]uint32
	}

	init := kvmVCPUInit{}
	_, err := Ioctl(vmFd, IIOR(kvmArmPreferredTarget, unsafe.Sizeof(init)), uintptr(unsafe.Pointer(&init)))

	return init.Target, err
}

// CheckExtension calls KVM_CHECK_EXTENSION for the given capability id.
func CheckExtension(kvmFd uintptr, cap Capability) (int, error) {
	ret, err := Ioctl(kvmFd, IIO(kvmCheckExtension), uintptr(cap))

	return int(int32(ret)), err
}

// mmioUnionSize is the size, in bytes, the kernel reserves for the
// exit-reason-specific union inside kvm_run (padded to this by the kernel's
// own `char padding[256]` union arm).
const mmioUnionSize = 256

// RunData overlays the kvm_run structure the kernel mmaps onto the vCPU fd.
// Only the architecture-independent header and the two union arms this VMM
// cares about (KVM_EXIT_MMIO, KVM_EXIT_ARM_NISV) are named; the rest of the
// union and the trailing kvm_sync_regs area are left as opaque bytes, the
// same way the teacher's x86 RunData only names the IO union arm it uses.
type RunData struct {
	RequestInterruptWindow     uint8
	ImmediateExit              uint8
	_                          [6]uint8
	ExitReason                 uint32
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	Flags                      uint16
	CR8                        uint64
	ApicBase                   uint64
	union                      [mmioUnionSize]uint8
	KVMValidRegs               uint64
	KVMDirtyRegs               uint64
}

// SetMMIOData writes val into the KVM_EXIT_MMIO union's data field, the
// mechanism by which a load's result is handed back to the kernel so it can
// inject the value into the decoded destination register (valid only when
// the exit was KVM_EXIT_MMIO, i.e. ISV was set).
func (r *RunData) SetMMIOData(val uint32) {
	binary.LittleEndian.PutUint32(r.union[8:12], val)
}

// Reason returns the vCPU's exit reason as an ExitType.
func (r *RunData) Reason() ExitType { return ExitType(r.ExitReason) }

// MMIO decodes the KVM_EXIT_MMIO union arm: phys_addr, up to 8 bytes of
// data (valid only when len indicates a store the kernel already decoded),
// len, and the write direction.
func (r *RunData) MMIO() (physAddr uint64, data [8]byte, length uint32, isWrite bool) {
	physAddr = binary.LittleEndian.Uint64(r.union[0:8])
	copy(data[:], r.union[8:16])
	length = binary.LittleEndian.Uint32(r.union[16:20])
	isWrite = r.union[20] != 0

	return physAddr, data, length, isWrite
}

// ArmNISV decodes the KVM_EXIT_ARM_NISV union arm: the ESR_EL2 ISS field
// (SRT is NOT trustworthy here per spec.md §9, but WnR is) and the
// faulting intermediate physical address.
func (r *RunData) ArmNISV() (esrISS uint64, faultIPA uint64) {
	esrISS = binary.LittleEndian.Uint64(r.union[0:8])
	faultIPA = binary.LittleEndian.Uint64(r.union[8:16])

	return esrISS, faultIPA
}

// MapRunData mmaps the kvm_run structure for a vCPU fd.
func MapRunData(vcpuFd uintptr, size int) (*RunData, error) {
	data, err := unix.Mmap(int(vcpuFd), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, err
	}

	return (*RunData)(unsafe.Pointer(&data[0])), nil
}
