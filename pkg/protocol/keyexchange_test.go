package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestKeyExchangeEncodeDecode(t *testing.T) {
	tests := []struct {
		name string
		msg  *KeyExchange
	}{
		{
			name: "first attempt",
			msg: &KeyExchange{
				RetryCount: 0,
				Timestamp:  1700000000,
				SenderID:   "device-alice",
				PublicKey:  bytes.Repeat([]byte{0x11}, 32),
			},
		},
		{
			name: "retry",
			msg: &KeyExchange{
				RetryCount: 2,
				Timestamp:  1700000042,
				SenderID:   "device-bob",
				PublicKey:  bytes.Repeat([]byte{0x22}, 32),
			},
		},
		{
			name: "empty sender id",
			msg: &KeyExchange{
				RetryCount: 1,
				Timestamp:  1,
				SenderID:   "",
				PublicKey:  bytes.Repeat([]byte{0x33}, 32),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded, err := tt.msg.Encode()
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}

			var decoded KeyExchange
			if err := decoded.Decode(encoded); err != nil {
				t.Fatalf("Decode failed: %v", err)
			}

			if decoded.RetryCount != tt.msg.RetryCount {
				t.Errorf("RetryCount = %d, want %d", decoded.RetryCount, tt.msg.RetryCount)
			}
			if decoded.Timestamp != tt.msg.Timestamp {
				t.Errorf("Timestamp = %d, want %d", decoded.Timestamp, tt.msg.Timestamp)
			}
			if decoded.SenderID != tt.msg.SenderID {
				t.Errorf("SenderID = %q, want %q", decoded.SenderID, tt.msg.SenderID)
			}
			if !bytes.Equal(decoded.PublicKey, tt.msg.PublicKey) {
				t.Errorf("PublicKey mismatch")
			}
		})
	}
}

func TestKeyExchangeDecodeTruncated(t *testing.T) {
	msg := &KeyExchange{
		RetryCount: 0,
		Timestamp:  1700000000,
		SenderID:   "device-alice",
		PublicKey:  bytes.Repeat([]byte{0x11}, 32),
	}
	encoded, err := msg.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	// Every strict prefix must fail with ErrTruncated, never panic.
	for i := 0; i < len(encoded); i++ {
		var decoded KeyExchange
		if err := decoded.Decode(encoded[:i]); !errors.Is(err, ErrTruncated) {
			t.Errorf("Decode(prefix %d) = %v, want ErrTruncated", i, err)
		}
	}
}

func TestKeyExchangeEncodeOversizedSenderID(t *testing.T) {
	msg := &KeyExchange{
		SenderID:  string(bytes.Repeat([]byte{'a'}, 256)),
		PublicKey: bytes.Repeat([]byte{0x11}, 32),
	}

	if _, err := msg.Encode(); !errors.Is(err, ErrFieldTooLong) {
		t.Errorf("Encode = %v, want ErrFieldTooLong", err)
	}
}

func TestKeyExchangeResponseEncodeDecode(t *testing.T) {
	tests := []struct {
		name string
		msg  *KeyExchangeResponse
	}{
		{
			name: "success",
			msg: &KeyExchangeResponse{
				Status:    StatusSuccess,
				Timestamp: 1700000001,
				SenderID:  "device-bob",
				PublicKey: bytes.Repeat([]byte{0x44}, 32),
			},
		},
		{
			name: "already established",
			msg: &KeyExchangeResponse{
				Status:    StatusAlreadyEstablished,
				Timestamp: 1700000002,
				SenderID:  "device-bob",
				PublicKey: bytes.Repeat([]byte{0x55}, 32),
			},
		},
		{
			name: "error with diagnostic",
			msg: &KeyExchangeResponse{
				Status:    StatusError,
				Timestamp: 1700000003,
				SenderID:  "device-bob",
				PublicKey: nil,
				Err:       "key derivation failed",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded, err := tt.msg.Encode()
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}

			var decoded KeyExchangeResponse
			if err := decoded.Decode(encoded); err != nil {
				t.Fatalf("Decode failed: %v", err)
			}

			if decoded.Status != tt.msg.Status {
				t.Errorf("Status = %d, want %d", decoded.Status, tt.msg.Status)
			}
			if decoded.SenderID != tt.msg.SenderID {
				t.Errorf("SenderID = %q, want %q", decoded.SenderID, tt.msg.SenderID)
			}
			if !bytes.Equal(decoded.PublicKey, tt.msg.PublicKey) {
				t.Errorf("PublicKey mismatch")
			}
			if decoded.Err != tt.msg.Err {
				t.Errorf("Err = %q, want %q", decoded.Err, tt.msg.Err)
			}
		})
	}
}

func TestKeyExchangeResponseOptionalErrField(t *testing.T) {
	// An older encoder may omit the trailing error field entirely.
	msg := &KeyExchangeResponse{
		Status:    StatusSuccess,
		Timestamp: 1700000004,
		SenderID:  "device-bob",
		PublicKey: bytes.Repeat([]byte{0x66}, 32),
	}
	encoded, err := msg.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	// Strip the trailing errLen byte.
	var decoded KeyExchangeResponse
	if err := decoded.Decode(encoded[:len(encoded)-1]); err != nil {
		t.Fatalf("Decode without err field failed: %v", err)
	}
	if decoded.Err != "" {
		t.Errorf("Err = %q, want empty", decoded.Err)
	}
}
