package virtio

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

// Command header types (§4.5).
const (
	CmdGetDisplayInfo     uint32 = 0x0100
	CmdResourceCreate2D   uint32 = 0x0101
	CmdResourceFlush      uint32 = 0x0104
	CmdTransferToHost2D   uint32 = 0x0105
	CmdResourceAttachBack uint32 = 0x0106

	RespOKNoData      uint32 = 0x1100
	RespOKDisplayInfo uint32 = 0x1101
	RespErrUnspec     uint32 = 0x1200
)

const (
	headerSize      = 24
	displayEntries  = 16
	displayInfoSize = headerSize + displayEntries*24
	maxResourceDim  = 4096

	defaultScanoutWidth  = 800
	defaultScanoutHeight = 600

	configSize = 24 // events_read, events_clear, num_scanouts + reserved
)

// resource is the GPU's per-id resource record (§3).
type resource struct {
	id         uint32
	format     uint32
	width      uint32
	height     uint32
	backingGPA uint64
	backingLen uint32
}

// GuestReader is the subset of memory.Guest the GPU needs to reach backing
// pages named by guest-physical address (kept as an interface so tests can
// supply a fake).
type GuestReader interface {
	Bytes(gpa uint64, n int) ([]byte, error)
}

// GPU implements CommandHandler: the virtio-GPU 2D command set, the
// resource table, scanout binding and the host framebuffer, flushed to a
// PPM file on RESOURCE_FLUSH.
type GPU struct {
	guest GuestReader
	log   *logrus.Entry

	outPrefix string

	resources map[uint32]*resource

	scanoutResourceID uint32
	scanoutWidth      uint32
	scanoutHeight     uint32

	framebuffer []byte
	fbWidth     uint32
	fbHeight    uint32

	flushCount uint64
}

// NewGPU returns a GPU emulator writing PPM snapshots to files named
// "<outPrefix>-<flush_count>.ppm".
func NewGPU(guest GuestReader, outPrefix string, log *logrus.Entry) *GPU {
	g := &GPU{guest: guest, outPrefix: outPrefix, log: log}
	g.Reset()

	return g
}

// Reset discards all resources and restores the default scanout binding and
// dimensions, matching a Status write of 0 (§4.4 reset semantics: the
// framebuffer is not released, only re-initialized lazily on the next
// resource create).
func (g *GPU) Reset() {
	g.resources = make(map[uint32]*resource)
	g.scanoutResourceID = 0
	g.scanoutWidth = defaultScanoutWidth
	g.scanoutHeight = defaultScanoutHeight
}

// ReadConfig serves the 24-byte virtio-GPU config space: events_read=0,
// events_clear=0, num_scanouts=1, all else zero.
func (g *GPU) ReadConfig(offset uint32, size int) uint32 {
	if offset == 8 && size == 4 {
		return 1 // num_scanouts
	}

	return 0
}

// HandleCommand parses cmd's 24-byte header, dispatches to the matching
// command implementation, and writes the response into resp, returning the
// number of bytes written.
func (g *GPU) HandleCommand(cmd []byte, resp []byte) uint32 {
	if len(cmd) < headerSize {
		return g.writeErr(resp)
	}

	cmdType := binary.LittleEndian.Uint32(cmd[0:4])
	fenceID := binary.LittleEndian.Uint64(cmd[8:16])
	ctxID := binary.LittleEndian.Uint32(cmd[16:20])
	payload := cmd[headerSize:]

	switch cmdType {
	case CmdGetDisplayInfo:
		return g.getDisplayInfo(resp, fenceID, ctxID)
	case CmdResourceCreate2D:
		return g.resourceCreate2D(payload, resp, fenceID, ctxID)
	case CmdResourceAttachBack:
		return g.resourceAttachBacking(payload, resp, fenceID, ctxID)
	case 0x0103: // SET_SCANOUT
		return g.setScanout(payload, resp, fenceID, ctxID)
	case CmdTransferToHost2D:
		return g.transferToHost2D(payload, resp, fenceID, ctxID)
	case CmdResourceFlush:
		return g.resourceFlush(payload, resp, fenceID, ctxID)
	default:
		if g.log != nil {
			g.log.WithField("cmd_type", fmt.Sprintf("%#x", cmdType)).Warn("gpu: unknown command")
		}

		return g.writeErr(resp)
	}
}

// writeHeader writes the 24-byte response header.
func writeHeader(resp []byte, cmdType uint32, fenceID uint64, ctxID uint32) uint32 {
	if len(resp) < headerSize {
		return 0
	}

	binary.LittleEndian.PutUint32(resp[0:4], cmdType)
	binary.LittleEndian.PutUint32(resp[4:8], 0) // flags
	binary.LittleEndian.PutUint64(resp[8:16], fenceID)
	binary.LittleEndian.PutUint32(resp[16:20], ctxID)
	binary.LittleEndian.PutUint32(resp[20:24], 0) // padding

	return headerSize
}

func (g *GPU) writeErr(resp []byte) uint32 {
	return writeHeader(resp, RespErrUnspec, 0, 0)
}

func (g *GPU) writeOK(resp []byte, fenceID uint64, ctxID uint32) uint32 {
	return writeHeader(resp, RespOKNoData, fenceID, ctxID)
}

func (g *GPU) getDisplayInfo(resp []byte, fenceID uint64, ctxID uint32) uint32 {
	if len(resp) < displayInfoSize {
		return g.writeErr(resp)
	}

	n := writeHeader(resp, RespOKDisplayInfo, fenceID, ctxID)

	entry := resp[n : n+24]
	binary.LittleEndian.PutUint32(entry[0:4], 0)                 // x
	binary.LittleEndian.PutUint32(entry[4:8], 0)                 // y
	binary.LittleEndian.PutUint32(entry[8:12], g.scanoutWidth)   // width
	binary.LittleEndian.PutUint32(entry[12:16], g.scanoutHeight) // height
	binary.LittleEndian.PutUint32(entry[16:20], 1)               // enabled
	binary.LittleEndian.PutUint32(entry[20:24], 0)               // flags

	for i := 1; i < displayEntries; i++ {
		off := n + uint32(i)*24
		for j := uint32(0); j < 24; j++ {
			resp[off+j] = 0
		}
	}

	return displayInfoSize
}

func (g *GPU) resourceCreate2D(payload, resp []byte, fenceID uint64, ctxID uint32) uint32 {
	if len(payload) < 16 {
		return g.writeErr(resp)
	}

	id := binary.LittleEndian.Uint32(payload[0:4])
	format := binary.LittleEndian.Uint32(payload[4:8])
	width := binary.LittleEndian.Uint32(payload[8:12])
	height := binary.LittleEndian.Uint32(payload[12:16])

	g.resources[id] = &resource{id: id, format: format, width: width, height: height}

	if width > 0 && width <= maxResourceDim && height > 0 && height <= maxResourceDim {
		g.framebuffer = make([]byte, uint64(width)*uint64(height)*4)
		g.fbWidth = width
		g.fbHeight = height
	}

	return g.writeOK(resp, fenceID, ctxID)
}

func (g *GPU) resourceAttachBacking(payload, resp []byte, fenceID uint64, ctxID uint32) uint32 {
	if len(payload) < 8 {
		return g.writeErr(resp)
	}

	id := binary.LittleEndian.Uint32(payload[0:4])
	nrEntries := binary.LittleEndian.Uint32(payload[4:8])

	if r, ok := g.resources[id]; ok && nrEntries > 0 && len(payload) >= 8+16 {
		entry := payload[8:24]
		r.backingGPA = binary.LittleEndian.Uint64(entry[0:8])
		r.backingLen = binary.LittleEndian.Uint32(entry[8:12])
	}

	return g.writeOK(resp, fenceID, ctxID)
}

func (g *GPU) setScanout(payload, resp []byte, fenceID uint64, ctxID uint32) uint32 {
	if len(payload) < 24 {
		return g.writeErr(resp)
	}

	resourceID := binary.LittleEndian.Uint32(payload[20:24])
	g.scanoutResourceID = resourceID

	return g.writeOK(resp, fenceID, ctxID)
}

func (g *GPU) transferToHost2D(payload, resp []byte, fenceID uint64, ctxID uint32) uint32 {
	if len(payload) < 28 {
		return g.writeErr(resp)
	}

	x := binary.LittleEndian.Uint32(payload[0:4])
	y := binary.LittleEndian.Uint32(payload[4:8])
	w := binary.LittleEndian.Uint32(payload[8:12])
	h := binary.LittleEndian.Uint32(payload[12:16])
	resourceID := binary.LittleEndian.Uint32(payload[24:28])

	r, ok := g.resources[resourceID]
	if !ok || r.backingLen == 0 {
		return g.writeOK(resp, fenceID, ctxID)
	}

	backing, err := g.guest.Bytes(r.backingGPA, int(r.backingLen))
	if err != nil {
		if g.log != nil {
			g.log.WithError(err).Warn("gpu: transfer_to_host_2d backing unreachable")
		}

		return g.writeOK(resp, fenceID, ctxID)
	}

	srcPitch := r.width * 4
	dstPitch := g.fbWidth * 4

	for row := uint32(0); row < h; row++ {
		for col := uint32(0); col < w; col++ {
			if x+col >= r.width || y+row >= r.height {
				continue
			}

			srcOff := uint64(row)*uint64(srcPitch) + uint64(col)*4
			dstOff := uint64(y+row)*uint64(dstPitch) + uint64(x+col)*4

			if srcOff+4 > uint64(len(backing)) {
				continue
			}

			if dstOff+4 > uint64(len(g.framebuffer)) {
				continue
			}

			copy(g.framebuffer[dstOff:dstOff+4], backing[srcOff:srcOff+4])
		}
	}

	return g.writeOK(resp, fenceID, ctxID)
}

func (g *GPU) resourceFlush(payload, resp []byte, fenceID uint64, ctxID uint32) uint32 {
	g.flushCount++

	if err := g.writePPM(); err != nil && g.log != nil {
		g.log.WithError(err).Warn("gpu: resource_flush: ppm write failed")
	}

	return g.writeOK(resp, fenceID, ctxID)
}

// writePPM serializes the current framebuffer as a P6 PPM, swizzling each
// BGRA pixel's first three bytes to RGB.
func (g *GPU) writePPM() error {
	if g.fbWidth == 0 || g.fbHeight == 0 {
		return nil
	}

	path := fmt.Sprintf("%s-%d.ppm", g.outPrefix, g.flushCount)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	defer f.Close()

	w := bufio.NewWriter(f)

	if _, err := fmt.Fprintf(w, "P6\n%d %d\n255\n", g.fbWidth, g.fbHeight); err != nil {
		return err
	}

	pixels := int(g.fbWidth) * int(g.fbHeight)

	for i := 0; i < pixels; i++ {
		off := i * 4
		if off+3 >= len(g.framebuffer) {
			break
		}

		b, gr, r := g.framebuffer[off], g.framebuffer[off+1], g.framebuffer[off+2]
		if _, err := w.Write([]byte{r, gr, b}); err != nil {
			return err
		}
	}

	return w.Flush()
}

// FlushCount returns the number of RESOURCE_FLUSH commands processed, an
// invariant surface used by tests (§8 invariant 7).
func (g *GPU) FlushCount() uint64 { return g.flushCount }

// FramebufferSize returns the current host framebuffer's length in bytes
// (§8 invariant 6).
func (g *GPU) FramebufferSize() int { return len(g.framebuffer) }
