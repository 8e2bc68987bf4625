package kvm

import "testing"

func TestIoctlNumberDirectionBits(t *testing.T) {
	t.Parallel()

	none := IIO(0x01)
	write := IIOW(0x46, 8)
	read := IIOR(0xaf, 8)
	readWrite := IIOWR(0x00, 8)

	if none>>iocDirShift&0x3 != iocNone {
		t.Errorf("IIO: direction bits not none")
	}

	if write>>iocDirShift&0x3 != iocWrite {
		t.Errorf("IIOW: direction bits not write")
	}

	if read>>iocDirShift&0x3 != iocRead {
		t.Errorf("IIOR: direction bits not read")
	}

	if readWrite>>iocDirShift&0x3 != iocRead|iocWrite {
		t.Errorf("IIOWR: direction bits not read|write")
	}
}

func TestIoctlNumberTypeIsKVMIO(t *testing.T) {
	t.Parallel()

	op := IIO(0x01)
	if (op>>iocTypeShift)&0xff != kvmio {
		t.Errorf("ioctl type byte = %#x, want %#x", (op>>iocTypeShift)&0xff, kvmio)
	}
}
