package wire

import "testing"

func TestNewIPMIHeaderFields(t *testing.T) {
	h := NewIPMIHeader()
	buf := h.Marshal()
	want := []byte{0x06, 0x00, 0xff, 0x07}
	for i := range want {
		if buf[i] != want[i] {
			t.Fatalf("header byte %d = %#x, want %#x", i, buf[i], want[i])
		}
	}
}

func TestRMCPHeaderRoundTrip(t *testing.T) {
	h := &RMCPHeader{Version: 0x06, Reserved: 0x00, Sequence: 0xff, Class: RMCPClassIPMI}
	buf := h.Marshal()

	var got RMCPHeader
	rest, err := got.Unmarshal(append(buf, 0xaa, 0xbb))
	if err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if got != *h {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, *h)
	}
	if len(rest) != 2 || rest[0] != 0xaa || rest[1] != 0xbb {
		t.Fatalf("unexpected remaining bytes: %v", rest)
	}
}

func TestRMCPClassIsAck(t *testing.T) {
	if RMCPClassIPMI.IsAck() {
		t.Fatal("RMCPClassIPMI should not be an ack class")
	}
	acked := RMCPClass(0x80 | byte(RMCPClassIPMI))
	if !acked.IsAck() {
		t.Fatal("expected bit 7 set to indicate an ack class")
	}
}

func TestRMCPHeaderUnmarshalRejectsShortBuffer(t *testing.T) {
	var h RMCPHeader
	if _, err := h.Unmarshal([]byte{0x06, 0x00}); err == nil {
		t.Fatal("expected error for a buffer shorter than the RMCP header")
	}
}
