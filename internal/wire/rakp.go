package wire

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

const (
	OpenSessionRequestSize  = 32
	OpenSessionResponseSize = 36
	RAKPMessage1HeaderSize  = 28
	RAKPMessage2HeaderSize  = 40
	RAKPMessage3HeaderSize  = 8
	RAKPMessage4HeaderSize  = 8

	IntegrityCheckSize = 12 // HMAC-SHA1-96 truncated ICV (Section 13.28.1)
	AuthCodeSize       = 20 // RAKP-HMAC-SHA1 (Section 13.28.1)
	SIKSize            = 20
)

// AuthAlgorithm is the RAKP authentication algorithm number (Section 13.28).
type AuthAlgorithm uint8

const (
	AuthAlgorithmNone     AuthAlgorithm = 0x00
	AuthAlgorithmHMACSHA1 AuthAlgorithm = 0x01
)

// IntegrityAlgorithm is the session integrity algorithm number (Section 13.28.4).
type IntegrityAlgorithm uint8

const (
	IntegrityAlgorithmNone       IntegrityAlgorithm = 0x00
	IntegrityAlgorithmHMACSHA196 IntegrityAlgorithm = 0x01
)

// CryptAlgorithm is the confidentiality algorithm number (Section 13.28.5).
type CryptAlgorithm uint8

const (
	CryptAlgorithmNone     CryptAlgorithm = 0x00
	CryptAlgorithmAESCBC128 CryptAlgorithm = 0x01
)

// CipherSuite names one (auth, integrity, confidentiality) algorithm triple.
// ipmicore only ever proposes suite 3 (Section 22.15.2, Table 22-20): HMAC-
// SHA1, HMAC-SHA1-96, AES-CBC-128.
type CipherSuite struct {
	ID          uint8
	Auth        AuthAlgorithm
	Integrity   IntegrityAlgorithm
	Confidentiality CryptAlgorithm
}

// CipherSuite3 is the only suite ipmicore negotiates: it is the minimum the
// IPMI spec mandates every RMCP+-capable BMC support.
var CipherSuite3 = CipherSuite{ID: 3, Auth: AuthAlgorithmHMACSHA1, Integrity: IntegrityAlgorithmHMACSHA196, Confidentiality: CryptAlgorithmAESCBC128}

// OpenSessionRequest is the RMCP+ Open Session Request (Section 13.17).
type OpenSessionRequest struct {
	MessageTag     uint8
	PrivilegeLevel uint8
	ConsoleSessID  uint32
	Cipher         CipherSuite
}

func (o *OpenSessionRequest) Marshal() []byte {
	buf := make([]byte, OpenSessionRequestSize)
	buf[0] = o.MessageTag
	buf[1] = o.PrivilegeLevel
	binary.LittleEndian.PutUint32(buf[4:], o.ConsoleSessID)

	buf[8] = 0 // auth payload type
	buf[11] = 8
	buf[12] = byte(o.Cipher.Auth)

	buf[16] = 1 // integrity payload type
	buf[19] = 8
	buf[20] = byte(o.Cipher.Integrity)

	buf[24] = 2 // confidentiality payload type
	buf[27] = 8
	buf[28] = byte(o.Cipher.Confidentiality)
	return buf
}

// OpenSessionResponse is the RMCP+ Open Session Response (Section 13.18).
type OpenSessionResponse struct {
	MessageTag     uint8
	StatusCode     uint8
	PrivilegeLevel uint8
	ConsoleSessID  uint32
	ManagedSessID  uint32
	Cipher         CipherSuite
}

func (o *OpenSessionResponse) Unmarshal(buf []byte) error {
	if len(buf) < OpenSessionResponseSize {
		return fmt.Errorf("invalid open session response size %d: %s", len(buf), hex.EncodeToString(buf))
	}
	o.MessageTag = buf[0]
	o.StatusCode = buf[1]
	o.PrivilegeLevel = buf[2]
	o.ConsoleSessID = binary.LittleEndian.Uint32(buf[4:])
	o.ManagedSessID = binary.LittleEndian.Uint32(buf[8:])
	o.Cipher.Auth = AuthAlgorithm(buf[16])
	o.Cipher.Integrity = IntegrityAlgorithm(buf[24])
	o.Cipher.Confidentiality = CryptAlgorithm(buf[32])
	return nil
}

// RAKPMessage1 is RAKP Message 1 (Section 13.20), sent by the remote console.
type RAKPMessage1 struct {
	MessageTag      uint8
	ManagedSessID   uint32
	ConsoleRand     [16]byte
	PrivilegeLevel  uint8
	PrivilegeLookup bool
	Username        string
}

// RequestedRole packs PrivilegeLevel and the lookup bit into ROLEm, used
// both in the wire message and as HMAC input for RAKP2/3.
func (r *RAKPMessage1) RequestedRole() byte {
	b := r.PrivilegeLevel
	if !r.PrivilegeLookup {
		b |= 0x10
	}
	return b
}

func (r *RAKPMessage1) Marshal() []byte {
	ulen := len(r.Username)
	buf := make([]byte, RAKPMessage1HeaderSize+ulen)
	buf[0] = r.MessageTag
	binary.LittleEndian.PutUint32(buf[4:], r.ManagedSessID)
	copy(buf[8:24], r.ConsoleRand[:])
	buf[24] = r.RequestedRole()
	buf[27] = byte(ulen)
	copy(buf[28:], r.Username)
	return buf
}

// RAKPMessage2 is RAKP Message 2 (Section 13.21), the BMC's reply carrying
// its random number, GUID and key exchange auth code.
type RAKPMessage2 struct {
	MessageTag    uint8
	StatusCode    uint8
	ConsoleSessID uint32
	ManagedRand   [16]byte
	ManagedGUID   [16]byte
	AuthCode      []byte // length depends on negotiated auth algorithm
}

func (r *RAKPMessage2) Unmarshal(buf []byte) error {
	if len(buf) < RAKPMessage2HeaderSize {
		return fmt.Errorf("invalid RAKP2 size %d: %s", len(buf), hex.EncodeToString(buf))
	}
	r.MessageTag = buf[0]
	r.StatusCode = buf[1]
	r.ConsoleSessID = binary.LittleEndian.Uint32(buf[4:])
	copy(r.ManagedRand[:], buf[8:24])
	copy(r.ManagedGUID[:], buf[24:40])
	r.AuthCode = append([]byte(nil), buf[40:]...)
	return nil
}

// AuthCodeData2 builds the HMAC input for validating RAKP2's key exchange
// auth code (Section 13.21): SIDm || SIDc || Rm || Rc || GUIDc || ROLEm ||
// ULENGTHm || UNAMEm.
func AuthCodeData2(r2 *RAKPMessage2, r1 *RAKPMessage1) []byte {
	data := make([]byte, 58+len(r1.Username))
	binary.LittleEndian.PutUint32(data, r2.ConsoleSessID)
	binary.LittleEndian.PutUint32(data[4:], r1.ManagedSessID)
	copy(data[8:], r1.ConsoleRand[:])
	copy(data[24:], r2.ManagedRand[:])
	copy(data[40:], r2.ManagedGUID[:])
	data[56] = r1.RequestedRole()
	data[57] = byte(len(r1.Username))
	copy(data[58:], r1.Username)
	return data
}

// RAKPMessage3 is RAKP Message 3 (Section 13.22): the console's reply
// carrying its own key exchange auth code.
type RAKPMessage3 struct {
	MessageTag    uint8
	StatusCode    uint8
	ManagedSessID uint32
	AuthCode      []byte
}

func (r *RAKPMessage3) Marshal() []byte {
	buf := make([]byte, RAKPMessage3HeaderSize+len(r.AuthCode))
	buf[0] = r.MessageTag
	buf[1] = r.StatusCode
	binary.LittleEndian.PutUint32(buf[4:], r.ManagedSessID)
	copy(buf[8:], r.AuthCode)
	return buf
}

// AuthCodeData3 builds the HMAC input for RAKP3's key exchange auth code
// (Section 13.22): Rc || SIDm || ROLEm || ULENGTHm || UNAMEm.
func AuthCodeData3(r2 *RAKPMessage2, r1 *RAKPMessage1) []byte {
	data := make([]byte, 22+len(r1.Username))
	copy(data, r2.ManagedRand[:])
	binary.LittleEndian.PutUint32(data[16:], r2.ConsoleSessID)
	data[20] = r1.RequestedRole()
	data[21] = byte(len(r1.Username))
	copy(data[22:], r1.Username)
	return data
}

// SIKData builds the HMAC input used to derive the Session Integrity Key
// (Section 13.28.2): Rm || Rc || ROLEm || ULENGTHm || UNAMEm.
func SIKData(r1 *RAKPMessage1, r2 *RAKPMessage2) []byte {
	data := make([]byte, 34+len(r1.Username))
	copy(data, r1.ConsoleRand[:])
	copy(data[16:], r2.ManagedRand[:])
	data[32] = r1.RequestedRole()
	data[33] = byte(len(r1.Username))
	copy(data[34:], r1.Username)
	return data
}

// RAKPMessage4 is RAKP Message 4 (Section 13.23): the BMC's final integrity
// check value over the session integrity key material.
type RAKPMessage4 struct {
	MessageTag          uint8
	StatusCode           uint8
	ConsoleSessID        uint32
	IntegrityCheckValue  []byte
}

func (r *RAKPMessage4) Unmarshal(buf []byte) error {
	if len(buf) < RAKPMessage4HeaderSize {
		return fmt.Errorf("invalid RAKP4 size %d: %s", len(buf), hex.EncodeToString(buf))
	}
	r.MessageTag = buf[0]
	r.StatusCode = buf[1]
	r.ConsoleSessID = binary.LittleEndian.Uint32(buf[4:])
	r.IntegrityCheckValue = append([]byte(nil), buf[8:]...)
	return nil
}

// ICVData builds the HMAC input for RAKP4's integrity check value (Section
// 13.23): Rm || SIDc || GUIDc.
func ICVData(r1 *RAKPMessage1, r2 *RAKPMessage2) []byte {
	data := make([]byte, 36)
	copy(data, r1.ConsoleRand[:])
	binary.LittleEndian.PutUint32(data[16:], r1.ManagedSessID)
	copy(data[20:], r2.ManagedGUID[:])
	return data
}
