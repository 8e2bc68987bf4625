// Package flag defines the gokvm-gpu command line: a kong-driven CLI with
// boot and probe subcommands.
package flag

import (
	"fmt"
	"strconv"
	"strings"
)

// CLI is the kong root command: one of BootCMD or ProbeCMD runs.
type CLI struct {
	Boot  BootCMD  `cmd:"" help:"Boot a raw arm64 kernel image under KVM."`
	Probe ProbeCMD `cmd:"" help:"Probe /dev/kvm for the capabilities this VMM needs."`
}

// BootCMD boots a kernel image, emulating a PL011 UART and a virtio-GPU 2D
// display until the guest halts.
type BootCMD struct {
	Dev     string `short:"D" default:"/dev/kvm" help:"Path of the KVM device."`
	Kernel  string `short:"k" required:"" help:"Path of the flat kernel image."`
	MemSize string `short:"m" default:"512M" help:"Memory size: number[gGmMkK]; must equal the fixed RAM size."`
	Out     string `short:"o" default:"./snapshot" help:"Output-path prefix for RESOURCE_FLUSH PPM snapshots."`
	Profile bool   `help:"Wrap the exit loop in a pkg/profile CPU profile and serve fgprof on a loopback listener."`
}

// ProbeCMD opens /dev/kvm and reports the capabilities this VMM depends on,
// without creating a VM.
type ProbeCMD struct{}

// ParseSize parses a size string as number[gGmMkK]. The multiplier is
// optional; if not present, unit is used instead. The number can be any
// base and size.
func ParseSize(s, unit string) (int, error) {
	sz := strings.TrimRight(s, "gGmMkK")
	if len(sz) == 0 {
		return -1, fmt.Errorf("%q: can't parse as num[gGmMkK]: %w", s, strconv.ErrSyntax)
	}

	amt, err := strconv.ParseUint(sz, 0, 0)
	if err != nil {
		return -1, err
	}

	if len(s) > len(sz) {
		unit = s[len(sz):]
	}

	switch unit {
	case "G", "g":
		return int(amt) << 30, nil
	case "M", "m":
		return int(amt) << 20, nil
	case "K", "k":
		return int(amt) << 10, nil
	case "":
		return int(amt), nil
	}

	return -1, fmt.Errorf("can not parse %q as num[gGmMkK]: %w", s, strconv.ErrSyntax)
}
