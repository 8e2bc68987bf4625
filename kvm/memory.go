package kvm

import "unsafe"

// UserspaceMemoryRegion mirrors struct kvm_userspace_memory_region: one slot
// binding a guest-physical range to a host virtual address. This VMM uses a
// single slot for the whole RAM region; the two MMIO windows are never
// backed by a slot at all, which is what routes accesses to them to
// KVM_EXIT_MMIO / KVM_EXIT_ARM_NISV instead of silently reading host memory.
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// SetUserMemoryRegion calls KVM_SET_USER_MEMORY_REGION to install or update
// a memory slot.
func SetUserMemoryRegion(vmFd uintptr, region *UserspaceMemoryRegion) error {
	_, err := Ioctl(vmFd,
		IIOW(kvmSetUserMemoryRegionNR, unsafe.Sizeof(*region)),
		uintptr(unsafe.Pointer(region)))

	return err
}
