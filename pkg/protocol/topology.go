package protocol

import (
	"encoding/binary"
	"fmt"
)

// TopologyAnnounce is the payload of a TypeTopology frame: a node's view
// of its immediate neighborhood, used to build a mesh map on receivers.
type TopologyAnnounce struct {
	Timestamp uint32   // Unix seconds, little-endian on the wire
	SenderID  string   // Announcing device identifier
	HopCount  uint8    // Hops this announcement has traveled (0 = direct)
	Neighbors []string // Device identifiers directly connected to the sender
}

// Encode encodes a topology announcement.
// Layout: timestamp:u32-LE, senderIdLen:u8, senderId, hopCount:u8,
// neighborCount:u8, then per neighbor: len:u8, id.
func (m *TopologyAnnounce) Encode() ([]byte, error) {
	if len(m.SenderID) > MaxShortField {
		return nil, fmt.Errorf("sender id %d bytes: %w", len(m.SenderID), ErrFieldTooLong)
	}
	if len(m.Neighbors) > MaxShortField {
		return nil, fmt.Errorf("%d neighbors: %w", len(m.Neighbors), ErrFieldTooLong)
	}

	size := 4 + 1 + len(m.SenderID) + 1 + 1
	for _, n := range m.Neighbors {
		if len(n) > MaxShortField {
			return nil, fmt.Errorf("neighbor id %d bytes: %w", len(n), ErrFieldTooLong)
		}
		size += 1 + len(n)
	}

	buf := make([]byte, size)
	offset := 0

	binary.LittleEndian.PutUint32(buf[offset:], m.Timestamp)
	offset += 4

	buf[offset] = uint8(len(m.SenderID))
	offset++
	copy(buf[offset:], m.SenderID)
	offset += len(m.SenderID)

	buf[offset] = m.HopCount
	offset++

	buf[offset] = uint8(len(m.Neighbors))
	offset++
	for _, n := range m.Neighbors {
		buf[offset] = uint8(len(n))
		offset++
		copy(buf[offset:], n)
		offset += len(n)
	}

	return buf, nil
}

// Decode decodes a topology announcement.
func (m *TopologyAnnounce) Decode(buf []byte) error {
	if len(buf) < 4 {
		return ErrTruncated
	}

	offset := 0
	m.Timestamp = binary.LittleEndian.Uint32(buf[offset:])
	offset += 4

	senderID, n, err := readShortField(buf[offset:])
	if err != nil {
		return err
	}
	m.SenderID = string(senderID)
	offset += n

	if len(buf) < offset+2 {
		return ErrTruncated
	}
	m.HopCount = buf[offset]
	offset++

	count := int(buf[offset])
	offset++

	m.Neighbors = make([]string, 0, count)
	for i := 0; i < count; i++ {
		neighbor, n, err := readShortField(buf[offset:])
		if err != nil {
			return err
		}
		m.Neighbors = append(m.Neighbors, string(neighbor))
		offset += n
	}

	return nil
}
