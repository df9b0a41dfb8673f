package wire

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestOpenSessionRequestResponseRoundTrip(t *testing.T) {
	req := &OpenSessionRequest{MessageTag: 5, PrivilegeLevel: 0, ConsoleSessID: 0xaabbccdd, Cipher: CipherSuite3}
	buf := req.Marshal()
	if len(buf) != OpenSessionRequestSize {
		t.Fatalf("request length = %d, want %d", len(buf), OpenSessionRequestSize)
	}
	if got := binary.LittleEndian.Uint32(buf[4:]); got != req.ConsoleSessID {
		t.Fatalf("ConsoleSessID encoded as %#x, want %#x", got, req.ConsoleSessID)
	}

	respBuf := make([]byte, OpenSessionResponseSize)
	respBuf[0] = 5
	respBuf[1] = 0
	binary.LittleEndian.PutUint32(respBuf[4:], 0x11223344)
	binary.LittleEndian.PutUint32(respBuf[8:], 0x55667788)
	respBuf[16] = byte(AuthAlgorithmHMACSHA1)
	respBuf[24] = byte(IntegrityAlgorithmHMACSHA196)
	respBuf[32] = byte(CryptAlgorithmAESCBC128)

	var resp OpenSessionResponse
	if err := resp.Unmarshal(respBuf); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if resp.ManagedSessID != 0x55667788 {
		t.Fatalf("ManagedSessID = %#x, want %#x", resp.ManagedSessID, 0x55667788)
	}
	if resp.Cipher != CipherSuite3.triple() {
		t.Fatalf("decoded cipher triple = %+v, want %+v", resp.Cipher, CipherSuite3.triple())
	}
}

// triple strips the ID field for comparison against a response, which never
// carries a cipher suite ID of its own.
func (c CipherSuite) triple() CipherSuite {
	return CipherSuite{Auth: c.Auth, Integrity: c.Integrity, Confidentiality: c.Confidentiality}
}

func TestRAKPMessage1MarshalLayout(t *testing.T) {
	r1 := &RAKPMessage1{MessageTag: 1, ManagedSessID: 0x1000, PrivilegeLevel: 0x04, Username: "admin"}
	copy(r1.ConsoleRand[:], bytes.Repeat([]byte{0x42}, 16))
	buf := r1.Marshal()

	if len(buf) != RAKPMessage1HeaderSize+len("admin") {
		t.Fatalf("length = %d, want %d", len(buf), RAKPMessage1HeaderSize+len("admin"))
	}
	if got := binary.LittleEndian.Uint32(buf[4:]); got != r1.ManagedSessID {
		t.Fatalf("ManagedSessID = %#x, want %#x", got, r1.ManagedSessID)
	}
	if !bytes.Equal(buf[8:24], r1.ConsoleRand[:]) {
		t.Fatal("console random not placed at offset 8")
	}
	if buf[27] != byte(len("admin")) {
		t.Fatalf("username length byte = %d, want %d", buf[27], len("admin"))
	}
	if string(buf[28:]) != "admin" {
		t.Fatalf("username = %q, want %q", buf[28:], "admin")
	}
}

func TestRequestedRoleLookupBit(t *testing.T) {
	withLookup := &RAKPMessage1{PrivilegeLevel: 0x04, PrivilegeLookup: true}
	withoutLookup := &RAKPMessage1{PrivilegeLevel: 0x04, PrivilegeLookup: false}

	if withLookup.RequestedRole() != 0x04 {
		t.Fatalf("RequestedRole with lookup = %#x, want %#x", withLookup.RequestedRole(), 0x04)
	}
	if withoutLookup.RequestedRole() != 0x14 {
		t.Fatalf("RequestedRole without lookup = %#x, want %#x", withoutLookup.RequestedRole(), 0x14)
	}
}

func TestRAKPMessage2Unmarshal(t *testing.T) {
	buf := make([]byte, RAKPMessage2HeaderSize+20)
	buf[0] = 3
	buf[1] = 0
	binary.LittleEndian.PutUint32(buf[4:], 0xcafebabe)
	copy(buf[8:24], bytes.Repeat([]byte{0x11}, 16))
	copy(buf[24:40], bytes.Repeat([]byte{0x22}, 16))
	copy(buf[40:], bytes.Repeat([]byte{0x33}, 20))

	var r2 RAKPMessage2
	if err := r2.Unmarshal(buf); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if r2.ConsoleSessID != 0xcafebabe {
		t.Fatalf("ConsoleSessID = %#x, want %#x", r2.ConsoleSessID, 0xcafebabe)
	}
	if len(r2.AuthCode) != 20 {
		t.Fatalf("AuthCode length = %d, want 20", len(r2.AuthCode))
	}
}

func TestAuthCodeData2Layout(t *testing.T) {
	r1 := &RAKPMessage1{ManagedSessID: 0x01020304, PrivilegeLevel: 0x04, Username: "admin"}
	copy(r1.ConsoleRand[:], bytes.Repeat([]byte{0xaa}, 16))
	r2 := &RAKPMessage2{ConsoleSessID: 0x05060708}
	copy(r2.ManagedRand[:], bytes.Repeat([]byte{0xbb}, 16))
	copy(r2.ManagedGUID[:], bytes.Repeat([]byte{0xcc}, 16))

	data := AuthCodeData2(r2, r1)
	if len(data) != 58+len("admin") {
		t.Fatalf("length = %d, want %d", len(data), 58+len("admin"))
	}
	if got := binary.LittleEndian.Uint32(data[0:]); got != r2.ConsoleSessID {
		t.Fatalf("SIDm at offset 0 = %#x, want %#x", got, r2.ConsoleSessID)
	}
	if got := binary.LittleEndian.Uint32(data[4:]); got != r1.ManagedSessID {
		t.Fatalf("SIDc at offset 4 = %#x, want %#x", got, r1.ManagedSessID)
	}
	if !bytes.Equal(data[8:24], r1.ConsoleRand[:]) {
		t.Fatal("Rm not at offset 8")
	}
	if !bytes.Equal(data[24:40], r2.ManagedRand[:]) {
		t.Fatal("Rc not at offset 24")
	}
	if !bytes.Equal(data[40:56], r2.ManagedGUID[:]) {
		t.Fatal("GUIDc not at offset 40")
	}
	if data[56] != r1.RequestedRole() {
		t.Fatalf("ROLEm at offset 56 = %#x, want %#x", data[56], r1.RequestedRole())
	}
}

func TestAuthCodeData3Layout(t *testing.T) {
	r1 := &RAKPMessage1{Username: "admin", PrivilegeLevel: 0x04}
	r2 := &RAKPMessage2{ConsoleSessID: 0xdeadbeef}
	copy(r2.ManagedRand[:], bytes.Repeat([]byte{0x77}, 16))

	data := AuthCodeData3(r2, r1)
	if len(data) != 22+len("admin") {
		t.Fatalf("length = %d, want %d", len(data), 22+len("admin"))
	}
	if !bytes.Equal(data[0:16], r2.ManagedRand[:]) {
		t.Fatal("Rc not at offset 0")
	}
	if got := binary.LittleEndian.Uint32(data[16:]); got != r2.ConsoleSessID {
		t.Fatalf("SIDm at offset 16 = %#x, want %#x", got, r2.ConsoleSessID)
	}
}

func TestSIKDataLayout(t *testing.T) {
	r1 := &RAKPMessage1{Username: "admin", PrivilegeLevel: 0x04}
	copy(r1.ConsoleRand[:], bytes.Repeat([]byte{0x01}, 16))
	r2 := &RAKPMessage2{}
	copy(r2.ManagedRand[:], bytes.Repeat([]byte{0x02}, 16))

	data := SIKData(r1, r2)
	if len(data) != 34+len("admin") {
		t.Fatalf("length = %d, want %d", len(data), 34+len("admin"))
	}
	if !bytes.Equal(data[0:16], r1.ConsoleRand[:]) || !bytes.Equal(data[16:32], r2.ManagedRand[:]) {
		t.Fatal("Rm/Rc not in expected offsets")
	}
}

func TestICVDataUsesRAKP1ManagedSessID(t *testing.T) {
	r1 := &RAKPMessage1{ManagedSessID: 0x0a0b0c0d}
	copy(r1.ConsoleRand[:], bytes.Repeat([]byte{0x09}, 16))
	r2 := &RAKPMessage2{}
	copy(r2.ManagedGUID[:], bytes.Repeat([]byte{0x08}, 16))

	data := ICVData(r1, r2)
	if len(data) != 36 {
		t.Fatalf("length = %d, want 36", len(data))
	}
	if got := binary.LittleEndian.Uint32(data[16:]); got != r1.ManagedSessID {
		t.Fatalf("SIDc at offset 16 = %#x, want %#x (from RAKP1, the session id the BMC assigned)", got, r1.ManagedSessID)
	}
	if !bytes.Equal(data[20:36], r2.ManagedGUID[:]) {
		t.Fatal("GUIDc not at offset 20")
	}
}

func TestRAKPMessage3MarshalAndMessage4Unmarshal(t *testing.T) {
	r3 := &RAKPMessage3{MessageTag: 9, ManagedSessID: 0x42, AuthCode: bytes.Repeat([]byte{0x5}, 20)}
	buf := r3.Marshal()
	if len(buf) != RAKPMessage3HeaderSize+20 {
		t.Fatalf("length = %d, want %d", len(buf), RAKPMessage3HeaderSize+20)
	}

	r4buf := make([]byte, RAKPMessage4HeaderSize+IntegrityCheckSize)
	r4buf[0] = 9
	binary.LittleEndian.PutUint32(r4buf[4:], 0x99)
	copy(r4buf[8:], bytes.Repeat([]byte{0x66}, IntegrityCheckSize))

	var r4 RAKPMessage4
	if err := r4.Unmarshal(r4buf); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if len(r4.IntegrityCheckValue) != IntegrityCheckSize {
		t.Fatalf("IntegrityCheckValue length = %d, want %d", len(r4.IntegrityCheckValue), IntegrityCheckSize)
	}
}
