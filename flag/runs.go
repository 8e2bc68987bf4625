package flag

import (
	"net/http"

	"github.com/alecthomas/kong"
	"github.com/felixge/fgprof"
	"github.com/pkg/profile"
	"github.com/sirupsen/logrus"

	"github.com/bobuhiro11/gokvm-gpu/probe"
	"github.com/bobuhiro11/gokvm-gpu/vmm"
)

var log = logrus.New().WithField("component", "cli")

// Parse parses os.Args and runs the selected subcommand.
func Parse() error {
	c := CLI{}

	ctx := kong.Parse(&c,
		kong.Name("gokvm-gpu"),
		kong.Description("gokvm-gpu boots a raw arm64 kernel under KVM with a UART and a virtio-GPU 2D display."),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	return ctx.Run()
}

// Run executes the probe subcommand: print /dev/kvm's capability table.
func (p *ProbeCMD) Run() error {
	return probe.Run("/dev/kvm", log)
}

// Run executes the boot subcommand: load the kernel, boot it, and drive the
// exit loop until the guest halts or the process is interrupted. Once Init
// has opened /dev/kvm and created the VM, Close always runs on the way out
// (clean halt, a Setup failure, or an exit-fatal RunLoop error) so the vCPU
// fd, VM fd, KVM fd and mmap'd guest RAM are released in reverse order of
// acquisition (spec.md:170, spec.md:207).
func (b *BootCMD) Run() (err error) {
	memSize, err := ParseSize(b.MemSize, "m")
	if err != nil {
		return err
	}

	if b.Profile {
		defer profile.Start(profile.CPUProfile).Stop()

		go serveFgprof()
	}

	c := vmm.Config{
		Dev:     b.Dev,
		Kernel:  b.Kernel,
		MemSize: memSize,
		Out:     b.Out,
	}

	v := vmm.New(c, log)

	if err := v.Init(); err != nil {
		return err
	}

	defer func() {
		if closeErr := v.Close(); closeErr != nil {
			if log != nil {
				log.WithError(closeErr).Warn("boot: failed to release kvm resources")
			}

			if err == nil {
				err = closeErr
			}
		}
	}()

	if err := v.Setup(); err != nil {
		return err
	}

	return v.Boot()
}

// serveFgprof exposes wall-clock profiles on a loopback listener, the same
// diagnostic surface the teacher wires up for the exit loop's hot path.
func serveFgprof() {
	mux := http.NewServeMux()
	mux.Handle("/debug/fgprof", fgprof.Handler())

	if err := http.ListenAndServe("127.0.0.1:6061", mux); err != nil {
		log.WithError(err).Warn("fgprof: debug listener exited")
	}
}
