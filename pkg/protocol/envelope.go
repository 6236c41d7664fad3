package protocol

import (
	"encoding/binary"
)

// Envelope version (independent of the frame header version)
const EnvelopeVersion uint8 = 1

// SecureEnvelope is the encrypted-frame format produced by the session
// cipher. It is carried as the payload of an encrypted feature frame and
// uses big-endian fields throughout, unlike the little-endian
// key-exchange payloads.
type SecureEnvelope struct {
	Version       uint8
	MessageNumber uint64 // Monotonic per-session counter, big-endian
	Timestamp     uint64 // Unix milliseconds, big-endian
	HMAC          []byte // HMAC-SHA256 over the ciphertext
	Ciphertext    []byte // AES-256-GCM sealed plaintext
}

// Encode encodes the envelope.
// Layout: version:u8, messageNumber:u64-BE, timestamp:u64-BE,
// hmacLen:u16-BE, hmac, ciphertext.
func (e *SecureEnvelope) Encode() []byte {
	buf := make([]byte, 1+8+8+2+len(e.HMAC)+len(e.Ciphertext))
	offset := 0

	buf[offset] = e.Version
	offset++

	binary.BigEndian.PutUint64(buf[offset:], e.MessageNumber)
	offset += 8

	binary.BigEndian.PutUint64(buf[offset:], e.Timestamp)
	offset += 8

	binary.BigEndian.PutUint16(buf[offset:], uint16(len(e.HMAC)))
	offset += 2
	copy(buf[offset:], e.HMAC)
	offset += len(e.HMAC)

	copy(buf[offset:], e.Ciphertext)

	return buf
}

// Decode decodes the envelope. The ciphertext is everything after the
// HMAC; a zero-length ciphertext is valid at this layer and rejected by
// the cipher instead.
func (e *SecureEnvelope) Decode(buf []byte) error {
	if len(buf) < 1+8+8+2 {
		return ErrTruncated
	}

	offset := 0
	e.Version = buf[offset]
	offset++

	if e.Version != EnvelopeVersion {
		return ErrUnsupportedVersion
	}

	e.MessageNumber = binary.BigEndian.Uint64(buf[offset:])
	offset += 8

	e.Timestamp = binary.BigEndian.Uint64(buf[offset:])
	offset += 8

	hmacLen := int(binary.BigEndian.Uint16(buf[offset:]))
	offset += 2

	if len(buf) < offset+hmacLen {
		return ErrTruncated
	}
	e.HMAC = make([]byte, hmacLen)
	copy(e.HMAC, buf[offset:offset+hmacLen])
	offset += hmacLen

	e.Ciphertext = make([]byte, len(buf)-offset)
	copy(e.Ciphertext, buf[offset:])

	return nil
}
