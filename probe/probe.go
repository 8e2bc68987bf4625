// Package probe implements the "probe" subcommand: a read-only host
// capability check run before filing a bug against the boot path.
package probe

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/bobuhiro11/gokvm-gpu/kvm"
)

// Run opens devPath, prints KVM_GET_API_VERSION, walks the fixed capability
// table in kvm.Capabilities reporting each one's KVM_CHECK_EXTENSION value,
// and prints the host's MIDR_EL1/ID_AA64PFR0_EL1 identification registers
// read off a scratch vCPU. It never loads a kernel or touches guest memory.
func Run(devPath string, log *logrus.Entry) error {
	kvmFile, err := kvm.Open(devPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", devPath, err)
	}
	defer kvmFile.Close()

	kvmFd := kvmFile.Fd()

	version, err := kvm.GetAPIVersion(kvmFd)
	if err != nil {
		return fmt.Errorf("KVM_GET_API_VERSION: %w", err)
	}

	fmt.Printf("KVM_GET_API_VERSION: %d\n", version)

	for _, cap := range kvm.Capabilities {
		n, err := kvm.CheckExtension(kvmFd, cap)
		if err != nil {
			if log != nil {
				log.WithField("capability", cap.String()).WithError(err).Warn("probe: KVM_CHECK_EXTENSION failed")
			}

			continue
		}

		fmt.Printf("%-28s %d\n", cap.String(), n)
	}

	if err := printIdentificationRegisters(kvmFd); err != nil {
		if log != nil {
			log.WithError(err).Warn("probe: failed to read identification registers")
		}
	}

	return nil
}

// printIdentificationRegisters spins up a throwaway VM and vCPU purely to
// read MIDR_EL1/ID_AA64PFR0_EL1 via KVM_GET_ONE_REG, then tears it down.
func printIdentificationRegisters(kvmFd uintptr) error {
	vmFd, err := kvm.CreateVM(kvmFd)
	if err != nil {
		return fmt.Errorf("CreateVM: %w", err)
	}
	defer unix.Close(int(vmFd))

	vcpuFd, err := kvm.CreateVCPU(vmFd, 0)
	if err != nil {
		return fmt.Errorf("CreateVCPU: %w", err)
	}
	defer unix.Close(int(vcpuFd))

	target, err := kvm.ArmPreferredTarget(vmFd)
	if err != nil {
		return fmt.Errorf("ArmPreferredTarget: %w", err)
	}

	if err := kvm.ArmVCPUInit(vcpuFd, target, [7]uint32{}); err != nil {
		return fmt.Errorf("ArmVCPUInit: %w", err)
	}

	ids, err := kvm.ReadIdentificationRegisters(vcpuFd)
	if err != nil {
		return fmt.Errorf("ReadIdentificationRegisters: %w", err)
	}

	fmt.Printf("MIDR_EL1                    %#018x (implementer=%#02x partnum=%#03x)\n",
		ids.MIDREL1, ids.Implementer(), ids.PartNum())
	fmt.Printf("ID_AA64PFR0_EL1              %#018x (EL1 supported=%v)\n",
		ids.IDAA64PFR0EL1, ids.EL1Supported())

	return nil
}
