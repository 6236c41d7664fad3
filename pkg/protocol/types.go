package protocol

import (
	"fmt"
	"time"
)

// Protocol constants
const (
	// Protocol version (byte 0 of every frame)
	ProtocolVersion uint8 = 1

	// Frame header size: version byte + type byte
	HeaderSize = 2

	// Maximum value a 1-byte length prefix can describe
	MaxShortField = 255
)

// MessageType is the 1-byte type tag in byte 1 of every frame.
type MessageType uint8

// Message types
const (
	TypeSignal              MessageType = 1 // Distress/location beacons
	TypeEmergency           MessageType = 2 // High-priority distress
	TypeChat                MessageType = 3 // Chat payloads
	TypeSystem              MessageType = 4 // System notices
	TypeKeyExchange         MessageType = 5 // Handshake request
	TypeGame                MessageType = 6 // Game payloads
	TypeTopology            MessageType = 7 // Mesh topology announcements
	TypeKeyExchangeResponse MessageType = 8 // Handshake reply
)

// Known reports whether the tag is one this protocol revision defines.
// Unknown tags are preserved for forward-compatible logging, never
// rejected as errors.
func (t MessageType) Known() bool {
	return t >= TypeSignal && t <= TypeKeyExchangeResponse
}

func (t MessageType) String() string {
	switch t {
	case TypeSignal:
		return "signal"
	case TypeEmergency:
		return "emergency"
	case TypeChat:
		return "chat"
	case TypeSystem:
		return "system"
	case TypeKeyExchange:
		return "keyExchange"
	case TypeGame:
		return "game"
	case TypeTopology:
		return "topology"
	case TypeKeyExchangeResponse:
		return "keyExchangeResponse"
	default:
		return fmt.Sprintf("unknown(0x%02x)", uint8(t))
	}
}

// Handshake response status codes
const (
	StatusSuccess            uint8 = 0
	StatusAlreadyEstablished uint8 = 1
	StatusError              uint8 = 2
)

// NowUnixMilli returns the current time in Unix milliseconds.
func NowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
