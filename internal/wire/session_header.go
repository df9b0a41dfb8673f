package wire

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// AuthType is the IPMI 1.5 authentication type (Section 13.6). For IPMI 2.0
// traffic it is always AuthTypeRMCPPlus; the real negotiated algorithms live
// in the RAKP cipher suite instead.
type AuthType uint8

const (
	AuthTypeNone     AuthType = 0x0
	AuthTypeMD2      AuthType = 0x1
	AuthTypeMD5      AuthType = 0x2
	AuthTypePassword AuthType = 0x4
	AuthTypeOEM      AuthType = 0x5
	AuthTypeRMCPPlus AuthType = 0x6
)

func (a AuthType) String() string {
	switch a {
	case AuthTypeNone:
		return "NONE"
	case AuthTypeMD2:
		return "MD2"
	case AuthTypeMD5:
		return "MD5"
	case AuthTypePassword:
		return "PASSWORD"
	case AuthTypeOEM:
		return "OEM"
	case AuthTypeRMCPPlus:
		return "RMCP+"
	default:
		return fmt.Sprintf("Reserved(%d)", uint8(a))
	}
}

// PayloadType is the 6-bit RMCP+ payload type plus the two high framing
// bits (Section 13.27.3).
type PayloadType uint8

const (
	PayloadTypeIPMI        PayloadType = 0x00
	PayloadTypeSOL         PayloadType = 0x01
	PayloadTypeOEM         PayloadType = 0x02
	PayloadTypeOpenSessReq PayloadType = 0x10
	PayloadTypeOpenSessRes PayloadType = 0x11
	PayloadTypeRAKP1       PayloadType = 0x12
	PayloadTypeRAKP2       PayloadType = 0x13
	PayloadTypeRAKP3       PayloadType = 0x14
	PayloadTypeRAKP4       PayloadType = 0x15
)

func (p PayloadType) Pure() PayloadType { return p & 0x3f }

func (p PayloadType) Encrypted() bool     { return p&0x80 != 0 }
func (p PayloadType) Authenticated() bool { return p&0x40 != 0 }

func (p PayloadType) WithFlags(encrypted, authenticated bool) PayloadType {
	out := p
	if encrypted {
		out |= 0x80
	}
	if authenticated {
		out |= 0x40
	}
	return out
}

// SessionHeaderV1_5Size is the header size when authtype is none; with auth
// it grows by the 16-byte auth code.
const (
	SessionHeaderV1_5Size         = 10
	SessionHeaderV1_5SizeWithAuth = 26
)

// SessionHeaderV1_5 is the IPMI 1.5 session header (Section 13.6). AuthCode
// is opaque here: Marshal and Unmarshal copy it without computing or
// checking it (IPMI15AuthCodeMD5 computes it from the password).
type SessionHeaderV1_5 struct {
	AuthType      AuthType
	Sequence      uint32
	SessionID     uint32
	PayloadLength uint8
	AuthCode      [16]byte
}

func (s *SessionHeaderV1_5) Marshal() []byte {
	var buf []byte
	if s.AuthType == AuthTypeNone {
		buf = make([]byte, SessionHeaderV1_5Size)
	} else {
		buf = make([]byte, SessionHeaderV1_5SizeWithAuth)
		copy(buf[SessionHeaderV1_5Size-1:], s.AuthCode[:])
	}
	buf[0] = byte(s.AuthType)
	binary.LittleEndian.PutUint32(buf[1:], s.Sequence)
	binary.LittleEndian.PutUint32(buf[5:], s.SessionID)
	buf[len(buf)-1] = s.PayloadLength
	return buf
}

func (s *SessionHeaderV1_5) Unmarshal(buf []byte) ([]byte, error) {
	if len(buf) < SessionHeaderV1_5Size {
		return nil, fmt.Errorf("invalid IPMI 1.5 session header size %d: %s", len(buf), hex.EncodeToString(buf))
	}
	s.AuthType = AuthType(buf[0])
	s.Sequence = binary.LittleEndian.Uint32(buf[1:])
	s.SessionID = binary.LittleEndian.Uint32(buf[5:])
	if s.AuthType == AuthTypeNone {
		s.PayloadLength = buf[SessionHeaderV1_5Size-1]
		return buf[SessionHeaderV1_5Size:], nil
	}
	if len(buf) < SessionHeaderV1_5SizeWithAuth {
		return nil, fmt.Errorf("invalid IPMI 1.5 authenticated session header size %d", len(buf))
	}
	copy(s.AuthCode[:], buf[SessionHeaderV1_5Size-1:])
	s.PayloadLength = buf[SessionHeaderV1_5SizeWithAuth-1]
	return buf[SessionHeaderV1_5SizeWithAuth:], nil
}

// SessionHeaderV2_0Size is the fixed 12-byte RMCP+ session header size for
// any non-OEM payload type (Section 13.8).
const SessionHeaderV2_0Size = 12

// SessionHeaderV2_0 is the RMCP+/IPMI 2.0 session header.
type SessionHeaderV2_0 struct {
	PayloadType   PayloadType
	SessionID     uint32
	Sequence      uint32
	PayloadLength uint16
}

func (s *SessionHeaderV2_0) Marshal() []byte {
	buf := make([]byte, SessionHeaderV2_0Size)
	buf[0] = byte(AuthTypeRMCPPlus)
	buf[1] = byte(s.PayloadType)
	binary.LittleEndian.PutUint32(buf[2:], s.SessionID)
	binary.LittleEndian.PutUint32(buf[6:], s.Sequence)
	binary.LittleEndian.PutUint16(buf[10:], s.PayloadLength)
	return buf
}

func (s *SessionHeaderV2_0) Unmarshal(buf []byte) ([]byte, error) {
	if len(buf) < SessionHeaderV2_0Size {
		return nil, fmt.Errorf("invalid IPMI 2.0 session header size %d: %s", len(buf), hex.EncodeToString(buf))
	}
	// buf[0] is always AuthTypeRMCPPlus for callers that reach this type.
	s.PayloadType = PayloadType(buf[1])
	s.SessionID = binary.LittleEndian.Uint32(buf[2:])
	s.Sequence = binary.LittleEndian.Uint32(buf[6:])
	s.PayloadLength = binary.LittleEndian.Uint16(buf[10:])
	return buf[SessionHeaderV2_0Size:], nil
}
