package modbus

import (
	"testing"

	"pgregory.net/rapid"
)

func TestCRC(t *testing.T) {
	tests := []struct {
		data []byte
		want uint16
	}{
		{append([]byte{0x01, 0x03, 0x14}, make([]byte, 20)...), 0x67A3},
		{[]byte{0x01, 0x03, 0x00, 0x01, 0x00, 0x0A}, 0x0D94},
	}
	for _, tt := range tests {
		var crc crc
		crc.reset().pushBytes(tt.data)
		if got := crc.value(); got != tt.want {
			t.Errorf("crc of % x: expected %04x, actual %04x", tt.data, tt.want, got)
		}
	}
}

// A single flipped bit anywhere in the frame must fail CRC validation.
func TestCRCSingleBitFlip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		data := rapid.SliceOfN(rapid.Byte(), 0, 248).Draw(t, "data")
		adu, err := encodeRTU(
			rapid.Byte().Draw(t, "SlaveID"),
			rapid.Byte().Draw(t, "FunctionCode"),
			data,
		)
		if err != nil {
			t.Fatalf("error while encoding: %+v", err)
		}

		bit := rapid.IntRange(0, len(adu)*8-1).Draw(t, "bit")
		adu[bit/8] ^= 1 << (bit % 8)

		if _, err := decodeRTU(adu); err == nil {
			t.Errorf("corrupted frame % x passed crc validation", adu)
		}
	})
}
