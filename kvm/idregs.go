package kvm

// System-register ids for the two identification registers the probe
// subcommand reports, adapted from the teacher's CPUID leaf dump
// (kvm/cpuid.go) to arm64's ONE_REG-based identification scheme.
var (
	// MIDR_EL1: op0=3 op1=0 crn=0 crm=0 op2=0.
	regMIDREL1 = sysRegID(3, 0, 0, 0, 0)
	// ID_AA64PFR0_EL1: op0=3 op1=0 crn=0 crm=4 op2=0.
	regIDAA64PFR0EL1 = sysRegID(3, 0, 0, 4, 0)
)

// IdentificationRegisters holds the two system registers describing the
// host CPU that backs a vCPU.
type IdentificationRegisters struct {
	MIDREL1       uint64
	IDAA64PFR0EL1 uint64
}

// ReadIdentificationRegisters reads MIDR_EL1 and ID_AA64PFR0_EL1 off a live
// vCPU via KVM_GET_ONE_REG.
func ReadIdentificationRegisters(vcpuFd uintptr) (IdentificationRegisters, error) {
	midr, err := GetOneReg(vcpuFd, regMIDREL1)
	if err != nil {
		return IdentificationRegisters{}, err
	}

	pfr0, err := GetOneReg(vcpuFd, regIDAA64PFR0EL1)
	if err != nil {
		return IdentificationRegisters{}, err
	}

	return IdentificationRegisters{MIDREL1: midr, IDAA64PFR0EL1: pfr0}, nil
}

// Implementer decodes the MIDR_EL1 implementer field (bits [31:24]).
func (r IdentificationRegisters) Implementer() uint8 {
	return uint8(r.MIDREL1 >> 24)
}

// PartNum decodes the MIDR_EL1 part-number field (bits [15:4]).
func (r IdentificationRegisters) PartNum() uint16 {
	return uint16((r.MIDREL1 >> 4) & 0xfff)
}

// EL1Supported reports whether ID_AA64PFR0_EL1's EL1 field indicates EL1 is
// implemented (any non-zero value in bits [7:4]).
func (r IdentificationRegisters) EL1Supported() bool {
	return (r.IDAA64PFR0EL1>>4)&0xf != 0
}
