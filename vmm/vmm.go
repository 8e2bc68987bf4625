// Package vmm wires the machine exit loop to the guest devices: a PL011
// UART and a virtio-GPU 2D display, and drives the boot-to-halt lifecycle.
package vmm

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/bobuhiro11/gokvm-gpu/machine"
	"github.com/bobuhiro11/gokvm-gpu/memory"
	"github.com/bobuhiro11/gokvm-gpu/uart"
	"github.com/bobuhiro11/gokvm-gpu/virtio"
)

// Config is the resolved set of boot parameters, already validated and unit-
// converted by the flag package.
type Config struct {
	Dev     string
	Kernel  string
	MemSize int
	Out     string
}

// VMM owns a Machine plus the devices registered on it.
type VMM struct {
	*machine.Machine
	Config

	log *logrus.Entry
	gpu *virtio.GPU
}

// New returns a VMM that has not yet opened /dev/kvm.
func New(c Config, log *logrus.Entry) *VMM {
	return &VMM{Config: c, log: log}
}

// Init opens the KVM device, creates the VM and vCPU, and registers the
// UART and virtio-GPU MMIO windows (spec.md §6's fixed layout).
func (v *VMM) Init() error {
	m, err := machine.New(v.Dev, v.MemSize, v.log)
	if err != nil {
		return fmt.Errorf("machine.New: %w", err)
	}

	v.Machine = m

	u := uart.New(v.log)
	m.RegisterDevice(memory.UARTBase, memory.UARTSize, u)

	v.gpu = virtio.NewGPU(m.Guest(), v.Out, v.log)
	gpuTransport := virtio.NewDevice(m.Guest(), v.gpu, v.log)
	m.RegisterDevice(memory.GPUBase, memory.GPUSize, gpuTransport)

	return nil
}

// Setup loads the kernel image and sets up the boot register state.
func (v *VMM) Setup() error {
	kernel, err := os.ReadFile(v.Kernel)
	if err != nil {
		return fmt.Errorf("read kernel %s: %w", v.Kernel, err)
	}

	if err := v.Machine.LoadKernel(kernel); err != nil {
		return fmt.Errorf("load kernel: %w", err)
	}

	if err := v.Machine.InitRegs(); err != nil {
		return fmt.Errorf("init regs: %w", err)
	}

	return nil
}

// Boot drives the exit loop to completion. The guest's UART is output-only
// (spec.md §4.3 names no input device), so unlike the teacher's x86 boot
// path there is no stdin-to-guest relay or raw terminal mode to set up.
func (v *VMM) Boot() error {
	if v.log != nil {
		v.log.WithField("kernel", v.Kernel).Info("boot: starting exit loop")
	}

	if err := v.Machine.RunLoop(); err != nil {
		return fmt.Errorf("exit loop: %w", err)
	}

	if v.log != nil {
		v.log.WithField("flushes", v.gpu.FlushCount()).Info("boot: guest halted")
	}

	return nil
}
