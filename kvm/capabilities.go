package kvm

// Capability is a KVM_CAP_* id passed to KVM_CHECK_EXTENSION. Only the
// subset this VMM's probe subcommand reports on is named here, adapted from
// the teacher's x86 capability table to the handful of arm64-relevant caps.
//
//go:generate stringer -type=Capability
type Capability int

const (
	CapUserMemory    Capability = 3
	CapARMEL132bit   Capability = 93
	CapArmPSCI       Capability = 87
	CapArmPSCI02     Capability = 102
	CapArmVMIPASize  Capability = 165
	CapImmediateExit Capability = 136
	CapOneReg        Capability = 70
	CapMPState       Capability = 14
)

func (c Capability) String() string {
	switch c {
	case CapUserMemory:
		return "KVM_CAP_USER_MEMORY"
	case CapARMEL132bit:
		return "KVM_CAP_ARM_EL1_32BIT"
	case CapArmPSCI:
		return "KVM_CAP_ARM_PSCI"
	case CapArmPSCI02:
		return "KVM_CAP_ARM_PSCI_0_2"
	case CapArmVMIPASize:
		return "KVM_CAP_ARM_VM_IPA_SIZE"
	case CapImmediateExit:
		return "KVM_CAP_IMMEDIATE_EXIT"
	case CapOneReg:
		return "KVM_CAP_ONE_REG"
	case CapMPState:
		return "KVM_CAP_MP_STATE"
	default:
		return "KVM_CAP_UNKNOWN"
	}
}

// Capabilities is the fixed table the probe subcommand walks.
var Capabilities = []Capability{
	CapUserMemory,
	CapOneReg,
	CapMPState,
	CapImmediateExit,
	CapArmPSCI,
	CapArmPSCI02,
	CapARMEL132bit,
	CapArmVMIPASize,
}
