package ipmicore

import (
	"encoding/hex"
	"fmt"
)

// Command is a request/response pair addressable by netfn+code. Callers
// implement this for any command beyond the handful ipmicore needs
// internally for login, keepalive and logout — completion-code tables and
// full command-set encodings are an external collaborator.
type Command interface {
	Name() string
	Code() uint8
	NetFn() NetFn
	Marshal() ([]byte, error)
	Unmarshal(buf []byte) error
	String() string
}

// RawCommand is a Command built from raw bytes, useful for one-off calls
// or commands ipmicore does not model explicitly.
type RawCommand struct {
	name   string
	code   uint8
	netFn  NetFn
	input  []byte
	Output []byte
}

func NewRawCommand(name string, netFn NetFn, code uint8, input []byte) *RawCommand {
	return &RawCommand{name: name, netFn: netFn, code: code, input: input}
}

func (c *RawCommand) Name() string           { return c.name }
func (c *RawCommand) Code() uint8            { return c.code }
func (c *RawCommand) NetFn() NetFn           { return c.netFn }
func (c *RawCommand) Marshal() ([]byte, error) { return c.input, nil }

func (c *RawCommand) Unmarshal(buf []byte) error {
	c.Output = append([]byte(nil), buf...)
	return nil
}

func (c *RawCommand) String() string {
	return fmt.Sprintf(`{"Name":%q,"Code":%#02x,"Input":"%s","Output":"%s"}`,
		c.name, c.code, hex.EncodeToString(c.input), hex.EncodeToString(c.Output))
}

func validateLength(c Command, buf []byte, min int) error {
	if l := len(buf); l < min {
		return &MessageError{Message: fmt.Sprintf("invalid %s response size %d, want >= %d", c.Name(), l, min)}
	}
	return nil
}

// GetDeviceIDCommand is used for the keepalive probe (netfn=app, cmd=0x01);
// it carries no arguments and the response is parsed only far enough to
// confirm the BMC answered.
type GetDeviceIDCommand struct {
	DeviceID       uint8
	DeviceRevision uint8
	Available      bool
}

func (c *GetDeviceIDCommand) Name() string             { return "Get Device ID" }
func (c *GetDeviceIDCommand) Code() uint8              { return 0x01 }
func (c *GetDeviceIDCommand) NetFn() NetFn             { return NetFnAppReq }
func (c *GetDeviceIDCommand) Marshal() ([]byte, error) { return nil, nil }
func (c *GetDeviceIDCommand) String() string {
	return fmt.Sprintf(`{"DeviceID":%d,"DeviceRevision":%d,"Available":%t}`, c.DeviceID, c.DeviceRevision, c.Available)
}

func (c *GetDeviceIDCommand) Unmarshal(buf []byte) error {
	if err := validateLength(c, buf, 2); err != nil {
		return err
	}
	c.DeviceID = buf[0]
	c.DeviceRevision = buf[1] & 0x0f
	c.Available = buf[1]&0x80 == 0
	return nil
}

// GetChannelAuthCapabilitiesCommand probes whether the BMC supports IPMI
// 2.0/RMCP+ and which IPMI 1.5 auth types a channel allows (netfn=app,
// cmd=0x38). The request byte is 0x8E when ProbeV2_0 is set (probe 2.0),
// else 0x0E (probe 1.5-only).
type GetChannelAuthCapabilitiesCommand struct {
	Channel        uint8
	PrivilegeLevel PrivilegeLevel
	ProbeV2_0      bool

	SupportsV2_0  bool
	SupportsMD5   bool
	SupportsNone  bool
}

func (c *GetChannelAuthCapabilitiesCommand) Name() string { return "Get Channel Authentication Capabilities" }
func (c *GetChannelAuthCapabilitiesCommand) Code() uint8  { return 0x38 }
func (c *GetChannelAuthCapabilitiesCommand) NetFn() NetFn { return NetFnAppReq }
func (c *GetChannelAuthCapabilitiesCommand) String() string {
	return fmt.Sprintf(`{"SupportsV2_0":%t,"SupportsMD5":%t,"SupportsNone":%t}`, c.SupportsV2_0, c.SupportsMD5, c.SupportsNone)
}

func (c *GetChannelAuthCapabilitiesCommand) Marshal() ([]byte, error) {
	reqByte := uint8(0x0e)
	if c.ProbeV2_0 {
		reqByte = 0x8e
	}
	return []byte{reqByte, byte(c.PrivilegeLevel)}, nil
}

func (c *GetChannelAuthCapabilitiesCommand) Unmarshal(buf []byte) error {
	if err := validateLength(c, buf, 8); err != nil {
		return err
	}
	c.Channel = buf[0]
	// buf[1] is the auth type support bitmap (bit 7 extended capabilities,
	// bit 2 MD5, bit 0 none); buf[3] bit 1 is "IPMI 2.0 connections".
	c.SupportsV2_0 = buf[1]&0x80 != 0 && buf[3]&0x02 != 0
	c.SupportsMD5 = buf[1]&0x04 != 0
	c.SupportsNone = buf[1]&0x01 != 0
	return nil
}

// SetSessionPrivilegeLevelCommand requests the operating privilege level
// for an established session (netfn=app, cmd=0x3B), the final step of
// login before ESTABLISHED.
type SetSessionPrivilegeLevelCommand struct {
	Requested PrivilegeLevel
	Granted   PrivilegeLevel
}

func (c *SetSessionPrivilegeLevelCommand) Name() string { return "Set Session Privilege Level" }
func (c *SetSessionPrivilegeLevelCommand) Code() uint8  { return 0x3b }
func (c *SetSessionPrivilegeLevelCommand) NetFn() NetFn { return NetFnAppReq }
func (c *SetSessionPrivilegeLevelCommand) String() string {
	return fmt.Sprintf(`{"Requested":"%s","Granted":"%s"}`, c.Requested, c.Granted)
}

func (c *SetSessionPrivilegeLevelCommand) Marshal() ([]byte, error) {
	return []byte{byte(c.Requested)}, nil
}

func (c *SetSessionPrivilegeLevelCommand) Unmarshal(buf []byte) error {
	if err := validateLength(c, buf, 1); err != nil {
		return err
	}
	c.Granted = PrivilegeLevel(buf[0] & 0x0f)
	return nil
}

// CloseSessionCommand logs out a session (netfn=app, cmd=0x3c), sent
// fire-and-forget with retry disabled during process exit cleanup.
type CloseSessionCommand struct {
	SessionID uint32
}

func (c *CloseSessionCommand) Name() string { return "Close Session" }
func (c *CloseSessionCommand) Code() uint8  { return 0x3c }
func (c *CloseSessionCommand) NetFn() NetFn { return NetFnAppReq }
func (c *CloseSessionCommand) String() string {
	return fmt.Sprintf(`{"SessionID":%d}`, c.SessionID)
}

func (c *CloseSessionCommand) Marshal() ([]byte, error) {
	buf := make([]byte, 4)
	buf[0] = byte(c.SessionID)
	buf[1] = byte(c.SessionID >> 8)
	buf[2] = byte(c.SessionID >> 16)
	buf[3] = byte(c.SessionID >> 24)
	return buf, nil
}

func (c *CloseSessionCommand) Unmarshal(buf []byte) error { return nil }

// ActivatePayloadCommand starts SOL on an established session (netfn=app,
// cmd=0x48): payload type 1, instance 1, encrypt+authenticate.
type ActivatePayloadCommand struct {
	PayloadType     uint8
	PayloadInstance uint8

	MaxOutboundCount uint16
	SOLPort          uint16
}

func (c *ActivatePayloadCommand) Name() string { return "Activate Payload" }
func (c *ActivatePayloadCommand) Code() uint8  { return 0x48 }
func (c *ActivatePayloadCommand) NetFn() NetFn { return NetFnAppReq }
func (c *ActivatePayloadCommand) String() string {
	return fmt.Sprintf(`{"MaxOutboundCount":%d,"SOLPort":%d}`, c.MaxOutboundCount, c.SOLPort)
}

func (c *ActivatePayloadCommand) Marshal() ([]byte, error) {
	return []byte{c.PayloadType, c.PayloadInstance, 0xc0, 0x00, 0x00, 0x00}, nil
}

func (c *ActivatePayloadCommand) Unmarshal(buf []byte) error {
	if err := validateLength(c, buf, 10); err != nil {
		return err
	}
	c.MaxOutboundCount = uint16(buf[4]) | uint16(buf[5])<<8
	c.SOLPort = uint16(buf[8]) | uint16(buf[9])<<8
	return nil
}

// DeactivatePayloadCommand stops SOL (netfn=app, cmd=0x49), used for the
// one-shot force-reactivation retry on completion code 0x80.
type DeactivatePayloadCommand struct {
	PayloadType     uint8
	PayloadInstance uint8
}

func (c *DeactivatePayloadCommand) Name() string             { return "Deactivate Payload" }
func (c *DeactivatePayloadCommand) Code() uint8              { return 0x49 }
func (c *DeactivatePayloadCommand) NetFn() NetFn             { return NetFnAppReq }
func (c *DeactivatePayloadCommand) String() string           { return "{}" }
func (c *DeactivatePayloadCommand) Unmarshal(buf []byte) error { return nil }

func (c *DeactivatePayloadCommand) Marshal() ([]byte, error) {
	return []byte{c.PayloadType, c.PayloadInstance, 0x00, 0x00, 0x00, 0x00}, nil
}

// GetSessionChallengeCommand starts the IPMI 1.5 login branch (netfn=app,
// cmd=0x39): requests a challenge string and a temporary session id for a
// given authtype and username.
type GetSessionChallengeCommand struct {
	AuthType AuthType
	Userid   string

	TemporarySessionID uint32
	Challenge          [16]byte
}

func (c *GetSessionChallengeCommand) Name() string { return "Get Session Challenge" }
func (c *GetSessionChallengeCommand) Code() uint8  { return 0x39 }
func (c *GetSessionChallengeCommand) NetFn() NetFn { return NetFnAppReq }
func (c *GetSessionChallengeCommand) String() string {
	return fmt.Sprintf(`{"TemporarySessionID":%#08x}`, c.TemporarySessionID)
}

func (c *GetSessionChallengeCommand) Marshal() ([]byte, error) {
	buf := make([]byte, 17)
	buf[0] = byte(c.AuthType)
	copy(buf[1:17], padTo16([]byte(c.Userid)))
	return buf, nil
}

func (c *GetSessionChallengeCommand) Unmarshal(buf []byte) error {
	if err := validateLength(c, buf, 20); err != nil {
		return err
	}
	c.TemporarySessionID = leUint32(buf[0:4])
	copy(c.Challenge[:], buf[4:20])
	return nil
}

// ActivateSessionCommand switches a temporary IPMI 1.5 session into an
// active one (netfn=app, cmd=0x3a): carries the auth type to use for the
// rest of the session, the BMC's challenge echoed back, the requested
// outbound sequence number, and privilege level.
type ActivateSessionCommand struct {
	AuthType        AuthType
	PrivilegeLevel  PrivilegeLevel
	Challenge       [16]byte
	InitialOutSeq   uint32

	SessionID      uint32
	InitialInSeq   uint32
}

func (c *ActivateSessionCommand) Name() string { return "Activate Session" }
func (c *ActivateSessionCommand) Code() uint8  { return 0x3a }
func (c *ActivateSessionCommand) NetFn() NetFn { return NetFnAppReq }
func (c *ActivateSessionCommand) String() string {
	return fmt.Sprintf(`{"SessionID":%#08x}`, c.SessionID)
}

func (c *ActivateSessionCommand) Marshal() ([]byte, error) {
	buf := make([]byte, 22)
	buf[0] = byte(c.AuthType)
	buf[1] = byte(c.PrivilegeLevel)
	copy(buf[2:18], c.Challenge[:])
	putLE32(buf[18:22], c.InitialOutSeq)
	return buf, nil
}

func (c *ActivateSessionCommand) Unmarshal(buf []byte) error {
	if err := validateLength(c, buf, 10); err != nil {
		return err
	}
	c.AuthType = AuthType(buf[0])
	c.SessionID = leUint32(buf[1:5])
	c.InitialInSeq = leUint32(buf[5:9])
	return nil
}

func padTo16(b []byte) []byte {
	out := make([]byte, 16)
	copy(out, b)
	return out
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
