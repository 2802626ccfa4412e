package hostspi

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// asm-generic/ioctl.h's request-number encoding. golang.org/x/sys/unix
// carries the fixed request numbers the kernel already assigns names to
// (termios, etc.) but not spidev's or gpio-cdev's, so those are built
// here the same way the kernel headers build them.
const (
	iocNRBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14

	iocNRShift   = 0
	iocTypeShift = iocNRShift + iocNRBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits

	iocNone  = 0
	iocWrite = 1
	iocRead  = 2
)

func ioc(dir, typ, nr uintptr, size uintptr) uintptr {
	return (dir << iocDirShift) | (typ << iocTypeShift) | (nr << iocNRShift) | (size << iocSizeShift)
}

func iow(typ byte, nr byte, size uintptr) uintptr {
	return ioc(iocWrite, uintptr(typ), uintptr(nr), size)
}

func ior(typ byte, nr byte, size uintptr) uintptr {
	return ioc(iocRead, uintptr(typ), uintptr(nr), size)
}

func iowr(typ byte, nr byte, size uintptr) uintptr {
	return ioc(iocWrite|iocRead, uintptr(typ), uintptr(nr), size)
}

// ioctl issues a single ioctl(2) against fd, matching the raw
// syscall.Syscall style the rest of this module's syscall-facing code
// uses rather than going through a higher-level ioctl wrapper package.
func ioctl(fd int, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}
