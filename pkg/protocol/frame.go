package protocol

import (
	"errors"
)

var (
	ErrTruncated          = errors.New("truncated frame")
	ErrUnsupportedVersion = errors.New("unsupported protocol version")
	ErrFieldTooLong       = errors.New("field too long for length prefix")
)

// Frame is the decoded form of a wire frame: the 2-byte header plus the
// type-specific payload. Frames are ephemeral, constructed per operation
// and never persisted.
type Frame struct {
	Version uint8
	Type    MessageType
	Payload []byte
}

// EncodeFrame wraps a type-specific payload in the 2-byte frame header.
func EncodeFrame(msgType MessageType, payload []byte) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	buf[0] = ProtocolVersion
	buf[1] = uint8(msgType)
	copy(buf[HeaderSize:], payload)
	return buf
}

// DecodeFrame parses a wire frame. It fails with ErrTruncated if the
// buffer is shorter than the header and ErrUnsupportedVersion if byte 0
// is not a version this package speaks. The payload is copied so the
// caller may reuse the input buffer.
func DecodeFrame(buf []byte) (*Frame, error) {
	if len(buf) < HeaderSize {
		return nil, ErrTruncated
	}

	if buf[0] != ProtocolVersion {
		return nil, ErrUnsupportedVersion
	}

	frame := &Frame{
		Version: buf[0],
		Type:    MessageType(buf[1]),
		Payload: make([]byte, len(buf)-HeaderSize),
	}
	copy(frame.Payload, buf[HeaderSize:])

	return frame, nil
}
