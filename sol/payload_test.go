package sol

import (
	"bytes"
	"testing"
)

func TestBuildAndParseSOLPacketRoundTrip(t *testing.T) {
	payload := []byte("hello console")
	buf := buildSOLPacket(3, 5, 7, 0x40, payload)

	hdr, body, err := parseSOLPacket(buf)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if hdr.newSeq != 3 || hdr.ackSeq != 5 || hdr.ackCount != 7 {
		t.Fatalf("header fields = %+v, want newSeq=3 ackSeq=5 ackCount=7", hdr)
	}
	if !hdr.nack {
		t.Fatal("expected nack flag set from byte 0x40")
	}
	if !bytes.Equal(body, payload) {
		t.Fatalf("body = %q, want %q", body, payload)
	}
}

func TestBuildSOLPacketMasksSequenceToFourBits(t *testing.T) {
	buf := buildSOLPacket(0xff, 0xff, 0, 0, nil)
	if buf[0] != 0x0f || buf[1] != 0x0f {
		t.Fatalf("sequence bytes = %#x %#x, want masked to 0x0f", buf[0], buf[1])
	}
}

func TestParseSOLPacketFlagBits(t *testing.T) {
	hdr, _, err := parseSOLPacket([]byte{0, 0, 0, 0x80 | 0x20 | 0x10})
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if !hdr.breakFlag || !hdr.poweredOff || !hdr.deactivated {
		t.Fatalf("flags = %+v, want break/poweredOff/deactivated all set", hdr)
	}
	if hdr.nack {
		t.Fatal("nack bit was not set in the input, should be false")
	}
}

func TestParseSOLPacketRejectsShortBuffer(t *testing.T) {
	if _, _, err := parseSOLPacket([]byte{0, 0, 0}); err == nil {
		t.Fatal("expected an error for a buffer shorter than the SOL header")
	}
}
