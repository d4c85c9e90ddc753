package protocol

import (
	"encoding/binary"
	"errors"
	"io"
)

// MaxFramePayload bounds a single frame in the recording stream.
const MaxFramePayload = MaxAllocation

// ErrFrameTooLarge is returned when a frame payload exceeds MaxFramePayload.
var ErrFrameTooLarge = errors.New("protocol: frame payload too large")

// WriteFrame writes one length-prefixed message to a byte stream.
//
// Wire format: uint32 big-endian payload length + payload. The WebSocket
// transport has its own message boundaries, so frames appear only in
// recording files.
func WriteFrame(w io.Writer, msg []byte) error {
	if len(msg) > MaxFramePayload {
		return ErrFrameTooLarge
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(msg)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(msg)
	return err
}

// FrameLen returns the encoded size of a framed message.
func FrameLen(msg []byte) int {
	return 4 + len(msg)
}

// ReadFrame reads one length-prefixed message from a byte stream.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[:])
	if length > MaxFramePayload {
		return nil, ErrFrameTooLarge
	}
	msg := make([]byte, length)
	if _, err := io.ReadFull(r, msg); err != nil {
		return nil, err
	}
	return msg, nil
}
