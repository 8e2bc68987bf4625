// Package uart emulates the character-data register of a PL011-style UART,
// the only part of the device this VMM's guest driver touches.
package uart

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// DataRegisterOffset is the only meaningful register in the 4 KiB window:
// a 32-bit store whose low byte is c writes c to the host's output stream.
const DataRegisterOffset = 0x0

// UART is a write-only PL011 data register. There is no FIFO and no status
// register because the guest driver this VMM targets never polls one.
type UART struct {
	output io.Writer
	log    *logrus.Entry
}

// New returns a UART writing guest characters to stdout.
func New(log *logrus.Entry) *UART {
	return &UART{output: os.Stdout, log: log}
}

// SetOutput redirects guest character output, for tests.
func (u *UART) SetOutput(w io.Writer) {
	u.output = w
}

// Load implements the MMIO read side: every offset returns 0.
func (u *UART) Load(offset uint64, size int) uint32 {
	return 0
}

// Store implements the MMIO write side: offset 0 echoes the low byte of val
// to the output stream; every other offset is silently accepted.
func (u *UART) Store(offset uint64, size int, val uint32) {
	if offset != DataRegisterOffset {
		return
	}

	c := byte(val & 0xff)
	if _, err := u.output.Write([]byte{c}); err != nil && u.log != nil {
		u.log.WithError(err).Warn("uart: write to output stream failed")
	}
}
