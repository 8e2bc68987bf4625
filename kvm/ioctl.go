package kvm

import "golang.org/x/sys/unix"

// Linux ioctl direction/size encoding (include/uapi/asm-generic/ioctl.h).
const (
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2

	iocNRBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14

	iocNRShift   = 0
	iocTypeShift = iocNRShift + iocNRBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits

	kvmio = 0xAE
)

func ioc(dir, typ, nr, size uintptr) uintptr {
	return (dir << iocDirShift) | (typ << iocTypeShift) | (nr << iocNRShift) | (size << iocSizeShift)
}

// IIO builds a no-argument ioctl request number.
func IIO(nr uintptr) uintptr {
	return ioc(iocNone, kvmio, nr, 0)
}

// IIOW builds a write-argument ioctl request number for an argument of the given size.
func IIOW(nr, size uintptr) uintptr {
	return ioc(iocWrite, kvmio, nr, size)
}

// IIOR builds a read-argument ioctl request number for an argument of the given size.
func IIOR(nr, size uintptr) uintptr {
	return ioc(iocRead, kvmio, nr, size)
}

// IIOWR builds a read/write-argument ioctl request number for an argument of the given size.
func IIOWR(nr, size uintptr) uintptr {
	return ioc(iocRead|iocWrite, kvmio, nr, size)
}

// Ioctl issues a single ioctl, retrying transparently on EINTR the way every
// blocking syscall on a KVM fd must.
func Ioctl(fd, op, arg uintptr) (uintptr, error) {
	for {
		res, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, op, arg)
		if errno == unix.EINTR {
			continue
		}

		if errno != 0 {
			return res, errno
		}

		return res, nil
	}
}
