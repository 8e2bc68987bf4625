package kvm

import "unsafe"

// KVM_REG_* type/size encoding (include/uapi/linux/kvm.h).
const (
	regArch64   = uint64(0x6) << 60
	regSizeU64  = uint64(0x3) << 52
	regSizeU32  = uint64(0x2) << 52
	regTypeCore = uint64(0x0010) << 16
	regTypeSys  = uint64(0x0013) << 16
)

// coreRegID builds a KVM_REG_ARM_CORE register id for the given byte offset
// into struct kvm_regs (regs.regs[0..30], sp, pc, pstate).
func coreRegID(offset uint64) uint64 {
	return regArch64 | regSizeU64 | regTypeCore | (offset / 4)
}

// Core-register byte offsets into struct kvm_regs, used to build ids with
// coreRegID. struct kvm_regs begins with struct user_pt_regs (31 general
// regs, sp, pc, pstate) followed by sp_el1/elr_el1/spsr[5]/fp_regs, none of
// which this VMM touches.
const (
	offsetRegs0  = 0
	offsetSP     = 31 * 8
	offsetPC     = offsetSP + 8
	offsetPState = offsetPC + 8
)

// RegX returns the register id for guest general-purpose register Xn,
// 0 <= n <= 30.
func RegX(n int) uint64 { return coreRegID(uint64(offsetRegs0 + n*8)) }

// RegSP, RegPC and RegPState return the ids for SP, PC and PSTATE.
func RegSP() uint64     { return coreRegID(offsetSP) }
func RegPC() uint64     { return coreRegID(offsetPC) }
func RegPState() uint64 { return coreRegID(offsetPState) }

// sysRegID builds a KVM_REG_ARM64_SYSREG id from the op0/op1/crn/crm/op2
// fields of an MRS/MSR system-register encoding.
func sysRegID(op0, op1, crn, crm, op2 uint64) uint64 {
	return regArch64 | regSizeU64 | regTypeSys |
		(op0 << 14) | (op1 << 11) | (crn << 7) | (crm << 3) | op2
}

// GetOneReg calls KVM_GET_ONE_REG, reading a 64-bit register.
func GetOneReg(vcpuFd uintptr, id uint64) (uint64, error) {
	type kvmOneReg struct {
		ID   uint64
		Addr uint64
	}

	var val uint64

	reg := kvmOneReg{ID: id, Addr: uint64(uintptr(unsafe.Pointer(&val)))}
	_, err := Ioctl(vcpuFd, IIOW(kvmGetOneReg, unsafe.Sizeof(reg)), uintptr(unsafe.Pointer(&reg)))

	return val, err
}

// SetOneReg calls KVM_SET_ONE_REG, writing a 64-bit register.
func SetOneReg(vcpuFd uintptr, id uint64, val uint64) error {
	type kvmOneReg struct {
		ID   uint64
		Addr uint64
	}

	reg := kvmOneReg{ID: id, Addr: uint64(uintptr(unsafe.Pointer(&val)))}
	_, err := Ioctl(vcpuFd, IIOW(kvmSetOneReg, unsafe.Sizeof(reg)), uintptr(unsafe.Pointer(&reg)))

	return err
}

// PSTATE bits for the EL1h boot mode spec.md §6 mandates: EL1, using SP_EL1,
// with IRQ/FIQ/SError/Debug all masked until guest code chooses to unmask
// them.
const PStateEL1hMasked = 0x3c5
