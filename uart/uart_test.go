package uart_test

import (
	"bytes"
	"testing"

	"github.com/bobuhiro11/gokvm-gpu/uart"
)

func TestStoreWritesLowByteToOutput(t *testing.T) {
	t.Parallel()

	u := uart.New(nil)

	var buf bytes.Buffer

	u.SetOutput(&buf)
	u.Store(uart.DataRegisterOffset, 4, 0xFFFFFF48) // 'H', high bits ignored

	if got, want := buf.String(), "H"; got != want {
		t.Errorf("output = %q, want %q", got, want)
	}
}

func TestStoreToOtherOffsetIsSilentlyDropped(t *testing.T) {
	t.Parallel()

	u := uart.New(nil)

	var buf bytes.Buffer

	u.SetOutput(&buf)
	u.Store(0x18, 4, 'x')

	if buf.Len() != 0 {
		t.Errorf("expected no output, got %q", buf.String())
	}
}

func TestLoadAlwaysReturnsZero(t *testing.T) {
	t.Parallel()

	u := uart.New(nil)

	if got := u.Load(uart.DataRegisterOffset, 4); got != 0 {
		t.Errorf("Load() = %#x, want 0", got)
	}

	if got := u.Load(0x18, 4); got != 0 {
		t.Errorf("Load() = %#x, want 0", got)
	}
}

func TestMultipleWritesAccumulate(t *testing.T) {
	t.Parallel()

	u := uart.New(nil)

	var buf bytes.Buffer

	u.SetOutput(&buf)

	for _, c := range []byte("hi") {
		u.Store(uart.DataRegisterOffset, 4, uint32(c))
	}

	if got, want := buf.String(), "hi"; got != want {
		t.Errorf("output = %q, want %q", got, want)
	}
}
