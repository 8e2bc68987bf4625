// Package virtio implements the virtio-mmio transport and the virtio-GPU
// 2D command set on top of it: register file, split-virtqueue descriptor
// chain walking, and the resource/framebuffer state the GPU commands
// mutate.
package virtio

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/bobuhiro11/gokvm-gpu/memory"
)

// Descriptor flag bits (virtio 1.x split ring).
const (
	DescFNext  uint16 = 1
	DescFWrite uint16 = 2
)

// NumMax is the largest ring size this transport will accept in QueueNum.
const NumMax = 256

// DescSize, AvailHeaderSize and UsedHeaderSize are the on-the-wire sizes of
// the fixed parts of each ring, per the split-ring layout: a descriptor is
// 16 bytes, the avail/used rings each have a 4-byte flags+idx header before
// their per-entry arrays.
const (
	DescSize        = 16
	AvailHeaderSize = 4
	AvailEntrySize  = 2
	UsedHeaderSize  = 4
	UsedEntrySize   = 8
)

// ErrUnreachable is returned when a ring or descriptor address does not
// resolve to guest RAM.
var ErrUnreachable = errors.New("virtqueue: address not reachable in guest RAM")

// Descriptor is one split-ring descriptor entry.
type Descriptor struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

// readDescriptor reads descriptor index idx out of the descriptor table at
// descGPA. Only the guest-RAM range is checked; idx is not checked against
// the ring size.
func readDescriptor(g *memory.Guest, descGPA uint64, idx uint16) (Descriptor, error) {
	b, err := g.Bytes(descGPA+uint64(idx)*DescSize, DescSize)
	if err != nil {
		return Descriptor{}, fmt.Errorf("%w: descriptor %d at %#x", ErrUnreachable, idx, descGPA)
	}

	return Descriptor{
		Addr:  binary.LittleEndian.Uint64(b[0:8]),
		Len:   binary.LittleEndian.Uint32(b[8:12]),
		Flags: binary.LittleEndian.Uint16(b[12:14]),
		Next:  binary.LittleEndian.Uint16(b[14:16]),
	}, nil
}

// availIdx reads the avail ring's idx field.
func availIdx(g *memory.Guest, availGPA uint64) (uint16, error) {
	b, err := g.Bytes(availGPA+2, 2)
	if err != nil {
		return 0, fmt.Errorf("%w: avail.idx at %#x", ErrUnreachable, availGPA)
	}

	return binary.LittleEndian.Uint16(b), nil
}

// availRingEntry reads avail.ring[ringIdx mod num].
func availRingEntry(g *memory.Guest, availGPA uint64, ringIdx uint16, num uint16) (uint16, error) {
	off := availGPA + AvailHeaderSize + uint64(ringIdx%num)*AvailEntrySize

	b, err := g.Bytes(off, 2)
	if err != nil {
		return 0, fmt.Errorf("%w: avail.ring[%d] at %#x", ErrUnreachable, ringIdx%num, off)
	}

	return binary.LittleEndian.Uint16(b), nil
}

// usedIdx reads the used ring's idx field.
func usedIdx(g *memory.Guest, usedGPA uint64) (uint16, error) {
	b, err := g.Bytes(usedGPA+2, 2)
	if err != nil {
		return 0, fmt.Errorf("%w: used.idx at %#x", ErrUnreachable, usedGPA)
	}

	return binary.LittleEndian.Uint16(b), nil
}

// setUsedIdx publishes the used ring's idx field. Per the ordering
// invariant, callers MUST have already written the corresponding
// used.ring[] slot with setUsedEntry before calling this.
func setUsedIdx(g *memory.Guest, usedGPA uint64, idx uint16) error {
	b, err := g.Bytes(usedGPA+2, 2)
	if err != nil {
		return fmt.Errorf("%w: used.idx at %#x", ErrUnreachable, usedGPA)
	}

	binary.LittleEndian.PutUint16(b, idx)

	return nil
}

// setUsedEntry writes used.ring[ringIdx mod num] = {id, len}.
func setUsedEntry(g *memory.Guest, usedGPA uint64, ringIdx uint16, num uint16, id, length uint32) error {
	off := usedGPA + UsedHeaderSize + uint64(ringIdx%num)*UsedEntrySize

	b, err := g.Bytes(off, UsedEntrySize)
	if err != nil {
		return fmt.Errorf("%w: used.ring[%d] at %#x", ErrUnreachable, ringIdx%num, off)
	}

	binary.LittleEndian.PutUint32(b[0:4], id)
	binary.LittleEndian.PutUint32(b[4:8], length)

	return nil
}

// descriptorChain is a walked chain, classified into at most one command
// (readable, WRITE=0) buffer and one response (writable, WRITE=1) buffer,
// per the single in/one out shape the virtio-GPU control queue uses.
type descriptorChain struct {
	cmdGPA, cmdLen   uint64
	respGPA, respLen uint64
	haveCmd, haveResp bool
}

// walkChain follows descriptor.next starting at head, bounded by num
// iterations so a corrupt or cyclic chain can never loop forever.
func walkChain(g *memory.Guest, descGPA uint64, num uint16, head uint16) (descriptorChain, error) {
	var chain descriptorChain

	idx := head

	for i := 0; i < int(num); i++ {
		desc, err := readDescriptor(g, descGPA, idx)
		if err != nil {
			return chain, err
		}

		if desc.Flags&DescFWrite != 0 {
			if !chain.haveResp {
				chain.respGPA, chain.respLen, chain.haveResp = desc.Addr, uint64(desc.Len), true
			}
		} else {
			if !chain.haveCmd {
				chain.cmdGPA, chain.cmdLen, chain.haveCmd = desc.Addr, uint64(desc.Len), true
			}
		}

		if desc.Flags&DescFNext == 0 {
			break
		}

		idx = desc.Next
	}

	return chain, nil
}
