package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// FrameType identifies what a frame carries.
type FrameType uint8

const (
	FrameHello     FrameType = 0x01
	FrameHeartbeat FrameType = 0x02
	FrameGoodbye   FrameType = 0x03
	FrameMessage   FrameType = 0x10
)

// HeaderSize is the fixed frame header: [Type:1][Flags:1][Seq:4][Len:4].
const HeaderSize = 10

const DefaultMaxPayload = 64 << 20

var ErrFrameTooLarge = errors.New("frame payload exceeds maximum size")

// Frame is one length-prefixed unit on the wire.
type Frame struct {
	Type    FrameType
	Flags   uint8
	Seq     uint32
	Payload []byte
}

func (f *Frame) Encode(w io.Writer, maxPayload int) error {
	if len(f.Payload) > maxPayload {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(f.Payload), maxPayload)
	}

	var header [HeaderSize]byte
	header[0] = byte(f.Type)
	header[1] = f.Flags
	binary.BigEndian.PutUint32(header[2:6], f.Seq)
	binary.BigEndian.PutUint32(header[6:10], uint32(len(f.Payload)))

	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	if len(f.Payload) > 0 {
		if _, err := w.Write(f.Payload); err != nil {
			return err
		}
	}
	return nil
}

// DecodeFrame reads one frame, refusing payloads larger than maxPayload
// before allocating them.
func DecodeFrame(r io.Reader, maxPayload int) (*Frame, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(header[6:10])
	if int64(length) > int64(maxPayload) {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, length, maxPayload)
	}

	f := &Frame{
		Type:  FrameType(header[0]),
		Flags: header[1],
		Seq:   binary.BigEndian.Uint32(header[2:6]),
	}
	if length > 0 {
		f.Payload = make([]byte, length)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			return nil, err
		}
	}
	return f, nil
}
