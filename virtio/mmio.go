package virtio

import (
	"github.com/sirupsen/logrus"

	"github.com/bobuhiro11/gokvm-gpu/memory"
)

// Register offsets in the 4 KiB virtio-mmio window (virtio 1.x modern
// transport, §4.4).
const (
	RegMagicValue         = 0x000
	RegVersion            = 0x004
	RegDeviceID           = 0x008
	RegVendorID           = 0x00C
	RegDeviceFeatures     = 0x010
	RegDeviceFeaturesSel  = 0x014
	RegDriverFeatures     = 0x020
	RegDriverFeaturesSel  = 0x024
	RegQueueSel           = 0x030
	RegQueueNumMax        = 0x034
	RegQueueNum           = 0x038
	RegQueueReady         = 0x044
	RegQueueNotify        = 0x050
	RegInterruptStatus    = 0x060
	RegInterruptAck       = 0x064
	RegStatus             = 0x070
	RegQueueDescLow       = 0x080
	RegQueueDescHigh      = 0x084
	RegQueueAvailLow      = 0x090
	RegQueueAvailHigh     = 0x094
	RegQueueUsedLow       = 0x0A0
	RegQueueUsedHigh      = 0x0A4
	RegConfig             = 0x100
)

const (
	magicValue = 0x74726976 // "virt"
	version    = 2
	deviceIDGPU = 16
	vendorID   = 0x554D4551

	queueCount = 2 // controlq=0, cursorq=1
)

// CommandHandler is the device-specific payload behind the transport: for
// this VMM, the virtio-GPU command set (gpu.go).
type CommandHandler interface {
	// HandleCommand parses cmd and writes its response into resp,
	// returning the number of bytes written.
	HandleCommand(cmd []byte, resp []byte) uint32
	// Reset discards all device-specific state (resources, scanout).
	Reset()
	// ReadConfig reads `size` bytes of device config space at offset.
	ReadConfig(offset uint32, size int) uint32
}

// queueState is one virtqueue's transport-owned bookkeeping.
type queueState struct {
	num           uint32
	ready         bool
	descGPA       uint64
	availGPA      uint64
	usedGPA       uint64
	lastAvailIdx  uint16
}

func (q *queueState) reset() { *q = queueState{} }

// Device is the virtio-mmio register file plus the two-queue transport
// state machine driving a CommandHandler.
type Device struct {
	guest   *memory.Guest
	handler CommandHandler
	log     *logrus.Entry

	deviceFeaturesSel uint32
	driverFeaturesSel uint32
	status            uint32
	interruptStatus   uint32
	queueSel          uint32
	queues            [queueCount]queueState
}

// NewDevice wires a CommandHandler behind a virtio-mmio transport backed by
// guest.
func NewDevice(guest *memory.Guest, handler CommandHandler, log *logrus.Entry) *Device {
	return &Device{guest: guest, handler: handler, log: log}
}

func (d *Device) curQueue() *queueState {
	if d.queueSel >= queueCount {
		return nil
	}

	return &d.queues[d.queueSel]
}

// Load implements the MMIO read side of the register file.
func (d *Device) Load(offset uint64, size int) uint32 {
	switch offset {
	case RegMagicValue:
		return magicValue
	case RegVersion:
		return version
	case RegDeviceID:
		return deviceIDGPU
	case RegVendorID:
		return vendorID
	case RegDeviceFeatures:
		return 0
	case RegQueueNumMax:
		return NumMax
	case RegQueueReady:
		if q := d.curQueue(); q != nil && q.ready {
			return 1
		}

		return 0
	case RegInterruptStatus:
		return d.interruptStatus
	case RegStatus:
		return d.status
	default:
		if offset >= RegConfig && offset < RegConfig+0x18 {
			return d.handler.ReadConfig(uint32(offset-RegConfig), size)
		}

		return 0
	}
}

// Store implements the MMIO write side of the register file, including the
// queue-notify drain engine (§4.4).
func (d *Device) Store(offset uint64, size int, val uint32) {
	switch offset {
	case RegDeviceFeaturesSel:
		d.deviceFeaturesSel = val
	case RegDriverFeatures:
		// Accepted unconditionally: this transport offers no feature
		// bits beyond the mandatory modern-transport baseline.
	case RegDriverFeaturesSel:
		d.driverFeaturesSel = val
	case RegQueueSel:
		d.queueSel = val
	case RegQueueNum:
		if q := d.curQueue(); q != nil && val <= NumMax {
			q.num = val
		}
	case RegQueueReady:
		if q := d.curQueue(); q != nil {
			q.ready = val != 0
		}
	case RegQueueNotify:
		d.notify(uint32(val))
	case RegInterruptAck:
		d.interruptStatus &^= val
	case RegStatus:
		if val == 0 {
			d.reset()
		} else {
			d.status = val
		}
	case RegQueueDescLow:
		if q := d.curQueue(); q != nil {
			q.descGPA = setLow32(q.descGPA, val)
		}
	case RegQueueDescHigh:
		if q := d.curQueue(); q != nil {
			q.descGPA = setHigh32(q.descGPA, val)
		}
	case RegQueueAvailLow:
		if q := d.curQueue(); q != nil {
			q.availGPA = setLow32(q.availGPA, val)
		}
	case RegQueueAvailHigh:
		if q := d.curQueue(); q != nil {
			q.availGPA = setHigh32(q.availGPA, val)
		}
	case RegQueueUsedLow:
		if q := d.curQueue(); q != nil {
			q.usedGPA = setLow32(q.usedGPA, val)
		}
	case RegQueueUsedHigh:
		if q := d.curQueue(); q != nil {
			q.usedGPA = setHigh32(q.usedGPA, val)
		}
	default:
		// MagicValue/Version/DeviceID/VendorID/DeviceFeatures/
		// QueueNumMax/InterruptStatus/Config are all read-only from
		// the guest's perspective; writes are ignored.
	}
}

func setLow32(cur uint64, val uint32) uint64 {
	return (cur &^ 0xffffffff) | uint64(val)
}

func setHigh32(cur uint64, val uint32) uint64 {
	return (cur & 0xffffffff) | (uint64(val) << 32)
}

func (d *Device) reset() {
	for i := range d.queues {
		d.queues[i].reset()
	}

	d.status = 0
	d.interruptStatus = 0
	d.handler.Reset()
}

// notify drives queue q: it drains every new avail entry since
// last_avail_idx, invoking the command handler once per entry and
// publishing a used-ring entry for each, in order (§4.4, §8 invariant 2).
func (d *Device) notify(q uint32) {
	if q >= queueCount {
		return
	}

	queue := &d.queues[q]
	if !queue.ready || queue.num == 0 {
		return
	}

	num := uint16(queue.num)

	idx, err := availIdx(d.guest, queue.availGPA)
	if err != nil {
		d.logWarn("queue notify: read avail.idx", err)

		return
	}

	for queue.lastAvailIdx != idx {
		head, err := availRingEntry(d.guest, queue.availGPA, queue.lastAvailIdx, num)
		if err != nil {
			d.logWarn("queue notify: read avail.ring entry", err)

			return
		}

		chain, err := walkChain(d.guest, queue.descGPA, num, head)
		if err != nil {
			d.logWarn("queue notify: walk descriptor chain", err)

			return
		}

		written := d.dispatch(chain)

		if err := setUsedEntry(d.guest, queue.usedGPA, queue.lastAvailIdx, num, uint32(head), written); err != nil {
			d.logWarn("queue notify: write used.ring entry", err)

			return
		}

		nextUsedIdx, err := usedIdx(d.guest, queue.usedGPA)
		if err != nil {
			d.logWarn("queue notify: read used.idx", err)

			return
		}

		if err := setUsedIdx(d.guest, queue.usedGPA, nextUsedIdx+1); err != nil {
			d.logWarn("queue notify: publish used.idx", err)

			return
		}

		queue.lastAvailIdx++
	}
}

// dispatch resolves a descriptor chain's command/response buffers and
// invokes the handler, returning bytes written into the response.
func (d *Device) dispatch(chain descriptorChain) uint32 {
	if !chain.haveCmd || !chain.haveResp {
		d.logWarn("queue notify: chain missing command or response buffer", ErrUnreachable)

		return 0
	}

	cmd, err := d.guest.Bytes(chain.cmdGPA, int(chain.cmdLen))
	if err != nil {
		d.logWarn("queue notify: command buffer unreachable", err)

		return 0
	}

	resp, err := d.guest.Bytes(chain.respGPA, int(chain.respLen))
	if err != nil {
		d.logWarn("queue notify: response buffer unreachable", err)

		return 0
	}

	return d.handler.HandleCommand(cmd, resp)
}

func (d *Device) logWarn(msg string, err error) {
	if d.log == nil {
		return
	}

	d.log.WithError(err).Warn(msg)
}
