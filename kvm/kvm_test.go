//nolint:dupl,paralleltest
package kvm_test

import (
	"os"
	"testing"
	"unsafe"

	"github.com/bobuhiro11/gokvm-gpu/kvm"
)

func pointerOf(b []byte) unsafe.Pointer { return unsafe.Pointer(&b[0]) }

func openKVM(t *testing.T) *os.File {
	t.Helper()

	if os.Getuid() != 0 {
		t.Skipf("skipping test since we are not root")
	}

	f, err := kvm.Open("")
	if err != nil {
		t.Skipf("skipping test, /dev/kvm unavailable: %v", err)
	}

	return f
}

func TestGetAPIVersion(t *testing.T) {
	devKVM := openKVM(t)
	defer devKVM.Close()

	if _, err := kvm.GetAPIVersion(devKVM.Fd()); err != nil {
		t.Fatal(err)
	}
}

func TestCreateVMAndVCPU(t *testing.T) {
	devKVM := openKVM(t)
	defer devKVM.Close()

	vmFd, err := kvm.CreateVM(devKVM.Fd())
	if err != nil {
		t.Fatal(err)
	}

	target, err := kvm.ArmPreferredTarget(vmFd)
	if err != nil {
		t.Fatal(err)
	}

	vcpuFd, err := kvm.CreateVCPU(vmFd, 0)
	if err != nil {
		t.Fatal(err)
	}

	if err := kvm.ArmVCPUInit(vcpuFd, target, [7]uint32{}); err != nil {
		t.Fatal(err)
	}
}

func TestCheckExtensionUserMemory(t *testing.T) {
	devKVM := openKVM(t)
	defer devKVM.Close()

	ret, err := kvm.CheckExtension(devKVM.Fd(), kvm.CapUserMemory)
	if err != nil {
		t.Fatal(err)
	}

	if ret == 0 {
		t.Fatalf("expected KVM_CAP_USER_MEMORY to be supported")
	}
}

func TestSetUserMemoryRegion(t *testing.T) {
	devKVM := openKVM(t)
	defer devKVM.Close()

	vmFd, err := kvm.CreateVM(devKVM.Fd())
	if err != nil {
		t.Fatal(err)
	}

	mem := make([]byte, 1<<20)
	region := &kvm.UserspaceMemoryRegion{
		Slot:          0,
		GuestPhysAddr: 0x7000_0000,
		MemorySize:    uint64(len(mem)),
		UserspaceAddr: uint64(uintptr(pointerOf(mem))),
	}

	if err := kvm.SetUserMemoryRegion(vmFd, region); err != nil {
		t.Fatal(err)
	}
}
