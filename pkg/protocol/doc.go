// Package protocol implements the EchoMesh wire protocol.
//
// The protocol package defines the binary frame format shared by every
// message kind in the mesh, the key-exchange payloads used to bootstrap
// secure sessions, and the encrypted envelope produced by the session
// cipher.
//
// # Frame Format
//
// Every frame starts with a 2-byte header:
//   - Version (1 byte): protocol version (currently 1)
//   - Type (1 byte): message type tag
//
// The remaining bytes are a type-specific payload. Feature payloads
// (signal, emergency, chat, system, game) are opaque to this package and
// are decoded by their consumers.
//
// # Message Types
//
//	1 = signal
//	2 = emergency
//	3 = chat
//	4 = system
//	5 = keyExchange
//	6 = game
//	7 = topology
//	8 = keyExchangeResponse
//
// # Byte Order
//
// Two sub-formats coexist and both are preserved exactly:
//   - Key-exchange payloads use little-endian multi-byte fields, with
//     1-byte length prefixes for short strings and 2-byte little-endian
//     length prefixes for public keys.
//   - The encrypted envelope uses big-endian fields throughout (message
//     counter, timestamp, HMAC length).
//
// # Error Handling
//
// Decoding never panics on malformed input. Every decode path returns a
// typed error (ErrTruncated, ErrUnsupportedVersion) so callers can drop a
// bad frame without disturbing other traffic.
package protocol
