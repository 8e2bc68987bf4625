package probe_test

import (
	"os"
	"testing"

	"github.com/bobuhiro11/gokvm-gpu/probe"
)

func TestRunAgainstRealDevice(t *testing.T) {
	t.Parallel()

	if os.Getuid() != 0 {
		t.Skipf("probe.Run needs root to open /dev/kvm")
	}

	if _, err := os.Stat("/dev/kvm"); err != nil {
		t.Skipf("/dev/kvm not available: %v", err)
	}

	if err := probe.Run("/dev/kvm", nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestRunReturnsErrorForMissingDevice(t *testing.T) {
	t.Parallel()

	if err := probe.Run("/nonexistent/kvm-device", nil); err == nil {
		t.Fatalf("expected an error for a nonexistent device path")
	}
}
