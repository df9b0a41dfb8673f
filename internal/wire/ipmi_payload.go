package wire

import (
	"encoding/hex"
	"fmt"
)

// NetFn is the IPMI network function code (Section 5.1); a response NetFn
// is the request NetFn with bit 0 set (see Response).
type NetFn uint8

const (
	NetFnChassis       NetFn = 0x00
	NetFnBridge        NetFn = 0x02
	NetFnSensorEvent   NetFn = 0x04
	NetFnApp           NetFn = 0x06
	NetFnFirmware      NetFn = 0x08
	NetFnStorage       NetFn = 0x0a
	NetFnTransport     NetFn = 0x0c
)

// Response returns the response NetFn paired with this request NetFn
// (always request|1, per Section 5.1).
func (n NetFn) Response() NetFn { return n | 1 }

// CompletionCode is the one-byte completion code in every IPMI response
// (Section 5.2). Human-readable text for vendor/command-specific codes is
// supplied by the caller via config.Tables, not by this package.
type CompletionCode uint8

const (
	CompletionNormal                CompletionCode = 0x00
	CompletionNodeBusy              CompletionCode = 0xc0
	CompletionInvalidCommand        CompletionCode = 0xc1
	CompletionTimeout               CompletionCode = 0xc3
	CompletionOutOfSpace            CompletionCode = 0xc4
	CompletionReservationCanceled   CompletionCode = 0xc5
	CompletionRequestDataTruncated  CompletionCode = 0xc6
	CompletionRequestDataInvalid    CompletionCode = 0xc7
	CompletionRequestDataFieldInval CompletionCode = 0xc8
	CompletionParamOutOfRange       CompletionCode = 0xc9
	CompletionCannotReturnRequested CompletionCode = 0xca
	CompletionRequestedNotPresent   CompletionCode = 0xcb
	CompletionInvalidFieldInRequest CompletionCode = 0xcc
	CompletionIllegalCommand        CompletionCode = 0xcd
	CompletionCannotRespond         CompletionCode = 0xce
	CompletionDurationExceeded      CompletionCode = 0xcf
	CompletionUnspecifiedError      CompletionCode = 0xff
)

func (c CompletionCode) OK() bool { return c == CompletionNormal }

// IPMIRequest is the core IPMI request message carried inside any session
// payload (Section 5.1): rsSA, netFn/rsLUN, checksum1, rqSA, rqSeq/rqLUN,
// cmd, data, checksum2.
type IPMIRequest struct {
	ResponderAddr uint8
	NetFn         NetFn
	ResponderLUN  uint8
	RequesterAddr uint8
	Sequence      uint8 // 6-bit rqSeq, caller keeps it in [0,63]
	RequesterLUN  uint8
	Command       uint8
	Data          []byte
}

func (r *IPMIRequest) Marshal() []byte {
	buf := make([]byte, 6, 6+len(r.Data)+1)
	buf[0] = r.ResponderAddr
	buf[1] = byte(r.NetFn)<<2 | r.ResponderLUN&0x3
	buf[2] = twosComplementChecksum(buf[0:2])
	buf[3] = r.RequesterAddr
	buf[4] = r.Sequence<<2 | r.RequesterLUN&0x3
	buf[5] = r.Command
	buf = append(buf, r.Data...)
	buf = append(buf, twosComplementChecksum(buf[3:]))
	return buf
}

// IPMIResponse is the core IPMI response message: rqSA, netFn/rqLUN,
// checksum1, rsSA, rqSeq/rsLUN, cmd, completion code, data, checksum2.
type IPMIResponse struct {
	RequesterAddr uint8
	NetFn         NetFn
	RequesterLUN  uint8
	ResponderAddr uint8
	Sequence      uint8
	ResponderLUN  uint8
	Command       uint8
	Completion    CompletionCode
	Data          []byte
}

// UnmarshalIPMIResponse parses and validates both checksums, returning an
// error naming which one failed so callers can tell transport corruption
// from a spoofed/misrouted packet.
func UnmarshalIPMIResponse(buf []byte) (*IPMIResponse, error) {
	if len(buf) < 7 {
		return nil, fmt.Errorf("invalid IPMI response size %d: %s", len(buf), hex.EncodeToString(buf))
	}
	if got := twosComplementChecksum(buf[0:2]); got != buf[2] {
		return nil, fmt.Errorf("IPMI response checksum1 mismatch: got %#x want %#x", got, buf[2])
	}
	if got := twosComplementChecksum(buf[3 : len(buf)-1]); got != buf[len(buf)-1] {
		return nil, fmt.Errorf("IPMI response checksum2 mismatch: got %#x want %#x", got, buf[len(buf)-1])
	}
	r := &IPMIResponse{
		RequesterAddr: buf[0],
		NetFn:         NetFn(buf[1] >> 2),
		RequesterLUN:  buf[1] & 0x3,
		ResponderAddr: buf[3],
		Sequence:      buf[4] >> 2,
		ResponderLUN:  buf[4] & 0x3,
		Command:       buf[5],
		Completion:    CompletionCode(buf[6]),
	}
	if len(buf) > 8 {
		r.Data = append([]byte(nil), buf[7:len(buf)-1]...)
	}
	return r, nil
}

// twosComplementChecksum implements the IPMI checksum algorithm (Section
// 5.4): the sum of all bytes plus the checksum itself is zero mod 256.
func twosComplementChecksum(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum += b
	}
	return -sum
}
