package protocol

import (
	"encoding/binary"
	"fmt"
)

// KeyExchange is the payload of a TypeKeyExchange frame: the initiator's
// public key plus enough identity to route the reply.
type KeyExchange struct {
	RetryCount uint8  // Which attempt this is (0-based)
	Timestamp  uint32 // Unix seconds, little-endian on the wire
	SenderID   string // Initiator's device identifier
	PublicKey  []byte // Initiator's X25519 public key
}

// Encode encodes a key-exchange payload.
// Layout: retryCount:u8, timestamp:u32-LE, senderIdLen:u8, senderId,
// pubKeyLen:u16-LE, pubKey.
func (m *KeyExchange) Encode() ([]byte, error) {
	if len(m.SenderID) > MaxShortField {
		return nil, fmt.Errorf("sender id %d bytes: %w", len(m.SenderID), ErrFieldTooLong)
	}
	if len(m.PublicKey) > 0xFFFF {
		return nil, fmt.Errorf("public key %d bytes: %w", len(m.PublicKey), ErrFieldTooLong)
	}

	buf := make([]byte, 1+4+1+len(m.SenderID)+2+len(m.PublicKey))
	offset := 0

	buf[offset] = m.RetryCount
	offset++

	binary.LittleEndian.PutUint32(buf[offset:], m.Timestamp)
	offset += 4

	buf[offset] = uint8(len(m.SenderID))
	offset++
	copy(buf[offset:], m.SenderID)
	offset += len(m.SenderID)

	binary.LittleEndian.PutUint16(buf[offset:], uint16(len(m.PublicKey)))
	offset += 2
	copy(buf[offset:], m.PublicKey)

	return buf, nil
}

// Decode decodes a key-exchange payload.
func (m *KeyExchange) Decode(buf []byte) error {
	offset := 0

	if len(buf) < offset+5 {
		return ErrTruncated
	}
	m.RetryCount = buf[offset]
	offset++
	m.Timestamp = binary.LittleEndian.Uint32(buf[offset:])
	offset += 4

	senderID, n, err := readShortField(buf[offset:])
	if err != nil {
		return err
	}
	m.SenderID = string(senderID)
	offset += n

	pubKey, _, err := readLongField(buf[offset:])
	if err != nil {
		return err
	}
	m.PublicKey = pubKey

	return nil
}

// KeyExchangeResponse is the payload of a TypeKeyExchangeResponse frame.
// On StatusError the Err field carries a short diagnostic; the responder
// replies with an error rather than silently dropping the peer.
type KeyExchangeResponse struct {
	Status    uint8  // StatusSuccess, StatusAlreadyEstablished or StatusError
	Timestamp uint32 // Unix seconds, little-endian on the wire
	SenderID  string // Responder's device identifier
	PublicKey []byte // Responder's X25519 public key (empty on error)
	Err       string // Diagnostic text, only meaningful with StatusError
}

// Encode encodes a key-exchange response payload.
// Layout: status:u8, timestamp:u32-LE, senderIdLen:u8, senderId,
// pubKeyLen:u16-LE, pubKey, errLen:u8, err.
func (m *KeyExchangeResponse) Encode() ([]byte, error) {
	if len(m.SenderID) > MaxShortField {
		return nil, fmt.Errorf("sender id %d bytes: %w", len(m.SenderID), ErrFieldTooLong)
	}
	if len(m.PublicKey) > 0xFFFF {
		return nil, fmt.Errorf("public key %d bytes: %w", len(m.PublicKey), ErrFieldTooLong)
	}
	if len(m.Err) > MaxShortField {
		return nil, fmt.Errorf("error text %d bytes: %w", len(m.Err), ErrFieldTooLong)
	}

	buf := make([]byte, 1+4+1+len(m.SenderID)+2+len(m.PublicKey)+1+len(m.Err))
	offset := 0

	buf[offset] = m.Status
	offset++

	binary.LittleEndian.PutUint32(buf[offset:], m.Timestamp)
	offset += 4

	buf[offset] = uint8(len(m.SenderID))
	offset++
	copy(buf[offset:], m.SenderID)
	offset += len(m.SenderID)

	binary.LittleEndian.PutUint16(buf[offset:], uint16(len(m.PublicKey)))
	offset += 2
	copy(buf[offset:], m.PublicKey)
	offset += len(m.PublicKey)

	buf[offset] = uint8(len(m.Err))
	offset++
	copy(buf[offset:], m.Err)

	return buf, nil
}

// Decode decodes a key-exchange response payload. The trailing error
// field is optional on the wire: a buffer ending after the public key
// decodes with an empty diagnostic.
func (m *KeyExchangeResponse) Decode(buf []byte) error {
	offset := 0

	if len(buf) < offset+5 {
		return ErrTruncated
	}
	m.Status = buf[offset]
	offset++
	m.Timestamp = binary.LittleEndian.Uint32(buf[offset:])
	offset += 4

	senderID, n, err := readShortField(buf[offset:])
	if err != nil {
		return err
	}
	m.SenderID = string(senderID)
	offset += n

	pubKey, n, err := readLongField(buf[offset:])
	if err != nil {
		return err
	}
	m.PublicKey = pubKey
	offset += n

	if offset == len(buf) {
		m.Err = ""
		return nil
	}

	errText, _, err := readShortField(buf[offset:])
	if err != nil {
		return err
	}
	m.Err = string(errText)

	return nil
}

// readShortField reads a field with a 1-byte length prefix. Returns the
// field bytes and the total number of bytes consumed.
func readShortField(buf []byte) ([]byte, int, error) {
	if len(buf) < 1 {
		return nil, 0, ErrTruncated
	}

	length := int(buf[0])
	if len(buf) < 1+length {
		return nil, 0, ErrTruncated
	}

	field := make([]byte, length)
	copy(field, buf[1:1+length])
	return field, 1 + length, nil
}

// readLongField reads a field with a 2-byte little-endian length prefix.
func readLongField(buf []byte) ([]byte, int, error) {
	if len(buf) < 2 {
		return nil, 0, ErrTruncated
	}

	length := int(binary.LittleEndian.Uint16(buf))
	if len(buf) < 2+length {
		return nil, 0, ErrTruncated
	}

	field := make([]byte, length)
	copy(field, buf[2:2+length])
	return field, 2 + length, nil
}
