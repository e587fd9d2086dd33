package crc

import "testing"

func TestChecksum16_EmptyIsFFFF(t *testing.T) {
	if got := Checksum16(nil); got != 0xFFFF {
		t.Fatalf("Checksum16(nil) = %#x, want 0xffff", got)
	}
}

func TestChecksum16_KnownFrame(t *testing.T) {
	// 01 03 00 00 00 02 -> CRC C4 0B (low byte first on the wire)
	body := []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x02}
	got := Checksum16(body)
	if byte(got) != 0xC4 || byte(got>>8) != 0x0B {
		t.Fatalf("Checksum16(%x) = %#04x, want 0x0bc4", body, got)
	}
}

func TestChecksum16_RoundTripIsZero(t *testing.T) {
	payloads := [][]byte{
		nil,
		{0x00},
		{0x01, 0x03, 0x00, 0x00, 0x00, 0x02},
		{0xDE, 0xAD, 0xBE, 0xEF, 0x01, 0x02, 0x03},
	}
	for _, p := range payloads {
		frame := AppendLE(append([]byte{}, p...), p)
		if !ValidLE(frame) {
			t.Fatalf("AppendLE(%x) produced frame that ValidLE rejects: %x", p, frame)
		}
	}
}

func TestValidLE_DetectsCorruption(t *testing.T) {
	body := []byte{0x01, 0x03, 0x02, 0x00, 0x0A}
	frame := AppendLE(append([]byte{}, body...), body)
	frame[0] ^= 0xFF
	if ValidLE(frame) {
		t.Fatal("ValidLE should reject a corrupted frame")
	}
}
