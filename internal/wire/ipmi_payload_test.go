package wire

import (
	"bytes"
	"testing"
)

func TestIPMIRequestResponseChecksumRoundTrip(t *testing.T) {
	lengths := []int{0, 1, 16, 64, 254}
	for _, n := range lengths {
		data := make([]byte, n)
		for i := range data {
			data[i] = byte(i * 7)
		}
		req := &IPMIRequest{
			ResponderAddr: 0x20,
			NetFn:         NetFnApp,
			RequesterAddr: 0x81,
			Sequence:      0x3f,
			Command:       0x01,
			// A response carries its completion code at offset 6, where a
			// request carries its first data byte, so the request data is
			// led by a normal completion code.
			Data: append([]byte{byte(CompletionNormal)}, data...),
		}
		frame := req.Marshal()

		// Reinterpret the request frame as a response frame (same layout
		// for 1.5 and 2.0) to exercise the checksum validation path end
		// to end.
		frame[1] = byte(req.NetFn.Response())<<2 | 0 // swap to response netfn
		frame[2] = twosComplementChecksum(frame[0:2])
		frame[len(frame)-1] = twosComplementChecksum(frame[3 : len(frame)-1])

		resp, err := UnmarshalIPMIResponse(frame)
		if err != nil {
			t.Fatalf("len=%d: unexpected error: %v", n, err)
		}
		if !bytes.Equal(resp.Data, data) {
			t.Fatalf("len=%d: round-trip data mismatch: got %v want %v", n, resp.Data, data)
		}
	}
}

func TestUnmarshalIPMIResponseDetectsChecksumCorruption(t *testing.T) {
	req := &IPMIRequest{ResponderAddr: 0x20, NetFn: NetFnApp, RequesterAddr: 0x81, Command: 0x01, Data: []byte{1, 2, 3}}
	frame := req.Marshal()
	frame[5] ^= 0xff // corrupt the command byte, which checksum2 covers

	if _, err := UnmarshalIPMIResponse(frame); err == nil {
		t.Fatal("expected checksum2 mismatch error, got nil")
	}
}

func TestTwosComplementChecksum(t *testing.T) {
	data := []byte{0x20, 0x18}
	sum := twosComplementChecksum(data)
	var total byte
	for _, b := range data {
		total += b
	}
	total += sum
	if total != 0 {
		t.Fatalf("checksum invariant violated: sum+checksum = %#x, want 0", total)
	}
}

func TestNetFnResponse(t *testing.T) {
	if got := NetFnApp.Response(); got != NetFnApp|1 {
		t.Fatalf("Response() = %#x, want %#x", got, NetFnApp|1)
	}
}

func TestCompletionCodeOK(t *testing.T) {
	if !CompletionNormal.OK() {
		t.Fatal("CompletionNormal.OK() = false, want true")
	}
	if CompletionTimeout.OK() {
		t.Fatal("CompletionTimeout.OK() = true, want false")
	}
}
