package kvm

import "errors"

var (
	// ErrUnexpectedExitReason is any vCPU exit reason this VMM does not handle.
	ErrUnexpectedExitReason = errors.New("unexpected kvm exit reason")

	// ErrCanceled is a host-initiated cancellation of the exit loop.
	ErrCanceled = errors.New("vcpu run canceled")

	// ErrHalt is a graceful WFI/low-power exit: the guest asked to stop.
	ErrHalt = errors.New("vcpu halted")
)

// ExitType is a vCPU exit reason, as reported in kvm_run.exit_reason after
// KVM_RUN returns. Only the subset meaningful to an arm64, MMIO-only,
// single-vCPU, no-irqchip VM is enumerated; everything else falls through
// to EXITUNKNOWN and is treated as exit-fatal (spec.md §7).
//
//go:generate stringer -type=ExitType
type ExitType uint32

const (
	EXITUNKNOWN       ExitType = 0
	EXITEXCEPTION     ExitType = 1
	EXITHYPERCALL     ExitType = 3
	EXITDEBUG         ExitType = 4
	EXITMMIO          ExitType = 6
	EXITIRQWINDOWOPEN ExitType = 7
	EXITSHUTDOWN      ExitType = 8
	EXITFAILENTRY     ExitType = 9
	EXITINTR          ExitType = 10
	EXITINTERNALERROR ExitType = 17
	EXITSYSTEMEVENT   ExitType = 24
	EXITARMNISV       ExitType = 28
)

func (e ExitType) String() string {
	switch e {
	case EXITUNKNOWN:
		return "EXITUNKNOWN"
	case EXITEXCEPTION:
		return "EXITEXCEPTION"
	case EXITHYPERCALL:
		return "EXITHYPERCALL"
	case EXITDEBUG:
		return "EXITDEBUG"
	case EXITMMIO:
		return "EXITMMIO"
	case EXITIRQWINDOWOPEN:
		return "EXITIRQWINDOWOPEN"
	case EXITSHUTDOWN:
		return "EXITSHUTDOWN"
	case EXITFAILENTRY:
		return "EXITFAILENTRY"
	case EXITINTR:
		return "EXITINTR"
	case EXITINTERNALERROR:
		return "EXITINTERNALERROR"
	case EXITSYSTEMEVENT:
		return "EXITSYSTEMEVENT"
	case EXITARMNISV:
		return "EXITARMNISV"
	default:
		return "EXITUNKNOWN"
	}
}
