// Package recording implements the per-VM recording engine and the
// playback preview reader.
//
// A recording file is a fixed-size header followed by a stream of framed
// server messages (see protocol.WriteFrame). The header is rewritten in
// place on every keyframe insertion and on stop, so its size is fixed by
// the preallocated keyframe slot count.
package recording

import (
	"encoding/binary"
	"errors"
	"io"
)

// Keyframe is one {file offset, timestamp} pair enabling O(keyframes)
// seek.
type Keyframe struct {
	FileOffset uint64
	Timestamp  uint64 // unix ms
}

// Header is the recording file header.
type Header struct {
	VMID          uint32
	StartTime     uint64 // unix ms
	StopTime      uint64 // unix ms, 0 while recording
	KeyframeCount uint32 // filled slots
	Keyframes     []Keyframe
}

const fixedHeaderSize = 4 + 8 + 8 + 4 + 4
const keyframeSlotSize = 16

// MaxKeyframeSlots bounds header preallocation against hostile or corrupt
// files.
const MaxKeyframeSlots = 100_000

// ErrBadHeader reports an unreadable or implausible file header.
var ErrBadHeader = errors.New("recording: bad file header")

// Size returns the encoded header size in bytes. The data stream begins at
// this offset.
func (h *Header) Size() int64 {
	return int64(fixedHeaderSize + keyframeSlotSize*len(h.Keyframes))
}

// Encode renders the header to its fixed binary layout.
func (h *Header) Encode() []byte {
	buf := make([]byte, h.Size())
	binary.BigEndian.PutUint32(buf[0:], h.VMID)
	binary.BigEndian.PutUint64(buf[4:], h.StartTime)
	binary.BigEndian.PutUint64(buf[12:], h.StopTime)
	binary.BigEndian.PutUint32(buf[20:], h.KeyframeCount)
	binary.BigEndian.PutUint32(buf[24:], uint32(len(h.Keyframes)))
	pos := fixedHeaderSize
	for _, kf := range h.Keyframes {
		binary.BigEndian.PutUint64(buf[pos:], kf.FileOffset)
		binary.BigEndian.PutUint64(buf[pos+8:], kf.Timestamp)
		pos += keyframeSlotSize
	}
	return buf
}

// ReadHeader reads and validates a header from the start of r.
func ReadHeader(r io.Reader) (*Header, error) {
	fixed := make([]byte, fixedHeaderSize)
	if _, err := io.ReadFull(r, fixed); err != nil {
		return nil, err
	}
	h := &Header{
		VMID:          binary.BigEndian.Uint32(fixed[0:]),
		StartTime:     binary.BigEndian.Uint64(fixed[4:]),
		StopTime:      binary.BigEndian.Uint64(fixed[12:]),
		KeyframeCount: binary.BigEndian.Uint32(fixed[20:]),
	}
	slots := binary.BigEndian.Uint32(fixed[24:])
	if slots > MaxKeyframeSlots || h.KeyframeCount > slots {
		return nil, ErrBadHeader
	}
	h.Keyframes = make([]Keyframe, slots)
	slotBuf := make([]byte, keyframeSlotSize)
	for i := range h.Keyframes {
		if _, err := io.ReadFull(r, slotBuf); err != nil {
			return nil, err
		}
		h.Keyframes[i].FileOffset = binary.BigEndian.Uint64(slotBuf[0:])
		h.Keyframes[i].Timestamp = binary.BigEndian.Uint64(slotBuf[8:])
	}
	return h, nil
}
