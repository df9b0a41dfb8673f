// Package config loads the constant tables ipmicore treats as an
// injected collaborator rather than a hardcoded one: payload type codes,
// completion-code message strings, and RMCP status codes. A compiled-in
// default table covers the well-known codes; callers override or extend
// it from YAML.
package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

// Tables is the injected `(netfn,cmd,code) → string`-style mapping:
// payload_types, ipmi_completion_codes, command_completion_codes,
// rmcp_codes.
type Tables struct {
	// PayloadTypes maps a payload type name to its 6-bit code, e.g.
	// "ipmi" -> 0x00, "sol" -> 0x01, "rmcpplusopenreq" -> 0x10.
	PayloadTypes map[string]uint8 `yaml:"payload_types"`

	// IPMICompletionCodes maps a generic completion code to its message,
	// used as the fallback when no command-specific table matches.
	IPMICompletionCodes map[uint8]string `yaml:"ipmi_completion_codes"`

	// CommandCompletionCodes maps "netfn:cmd" to a code->message table
	// for commands whose completion codes diverge from the generic set.
	CommandCompletionCodes map[string]map[uint8]string `yaml:"command_completion_codes"`

	// RMCPCodes maps an RMCP+ status/ASF code to its message.
	RMCPCodes map[uint8]string `yaml:"rmcp_codes"`

	// Connection defaults.
	Connection ConnectionDefaults `yaml:"connection"`
}

// ConnectionDefaults carries ambient connection-level defaults that a
// caller may want to tune without touching code: the UDP port and the
// default privilege level.
type ConnectionDefaults struct {
	Port                  int `yaml:"port"`
	DefaultPrivilegeLevel uint8 `yaml:"default_privilege_level"`
}

// DefaultTables returns the built-in table so callers need not supply a
// YAML file at all.
func DefaultTables() *Tables {
	return &Tables{
		PayloadTypes: map[string]uint8{
			"ipmi":            0x00,
			"sol":             0x01,
			"oem":             0x02,
			"rmcpplusopenreq": 0x10,
			"rmcpplusopenres": 0x11,
			"rakp1":           0x12,
			"rakp2":           0x13,
			"rakp3":           0x14,
			"rakp4":           0x15,
		},
		IPMICompletionCodes: map[uint8]string{
			0x00: "Command Completed Normally",
			0xc0: "Node Busy",
			0xc1: "Invalid Command",
			0xc2: "Command invalid for given LUN",
			0xc3: "Timeout while processing command",
			0xc4: "Out of space",
			0xc5: "Reservation Canceled or Invalid Reservation ID",
			0xc6: "Request data truncated",
			0xc7: "Request data length invalid",
			0xc8: "Request data field length limit exceeded",
			0xc9: "Parameter out of range",
			0xca: "Cannot return number of requested data bytes",
			0xcb: "Requested Sensor, data, or record not present",
			0xcc: "Invalid data field in Request",
			0xcd: "Command illegal for specified sensor or record type",
			0xce: "Command response could not be provided",
			0xcf: "Cannot execute duplicated request",
			0xff: "Unspecified error",
		},
		CommandCompletionCodes: map[string]map[uint8]string{
			// Activate Payload (netfn=6 app, cmd=0x48).
			"6:72": {
				0x80: "SOL payload already active on another session",
				0x81: "SOL disabled on this channel",
				0x82: "Maximum number of SOL sessions reached",
				0x83: "SOL encryption required but not supported",
				0x84: "SOL encryption not required but requested",
			},
		},
		RMCPCodes: map[uint8]string{
			0x00: "No errors",
			0x01: "Insufficient resources to create a session",
			0x02: "Invalid Session ID",
			0x03: "Invalid payload type",
			0x04: "Invalid authentication algorithm",
			0x05: "Invalid integrity algorithm",
			0x06: "No matching authentication payload",
			0x07: "No matching integrity payload",
			0x08: "Inactive Session ID",
			0x09: "Invalid role",
			0x0a: "Unauthorized role or privilege level requested",
			0x0b: "Insufficient resources to create a session at the requested role",
			0x0c: "Invalid name length",
			0x0d: "Unauthorized name",
			0x0e: "Unauthorized GUID",
			0x0f: "Invalid integrity check value",
			0x10: "Invalid confidentiality algorithm",
			0x11: "No Cipher Suite match with proposed security algorithms",
			0x12: "Illegal or unrecognized parameter",
		},
		Connection: ConnectionDefaults{
			Port:                  623,
			DefaultPrivilegeLevel: 0x04, // administrator
		},
	}
}

// LoadTables reads path as YAML and merges it over DefaultTables: any
// table or key the file supplies overrides the built-in entry, missing
// keys keep their default.
func LoadTables(path string) (*Tables, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	t := DefaultTables()
	overlay := &Tables{}
	if err := yaml.Unmarshal(data, overlay); err != nil {
		return nil, err
	}

	for k, v := range overlay.PayloadTypes {
		t.PayloadTypes[k] = v
	}
	for k, v := range overlay.IPMICompletionCodes {
		t.IPMICompletionCodes[k] = v
	}
	for k, v := range overlay.CommandCompletionCodes {
		t.CommandCompletionCodes[k] = v
	}
	for k, v := range overlay.RMCPCodes {
		t.RMCPCodes[k] = v
	}
	if overlay.Connection.Port != 0 {
		t.Connection.Port = overlay.Connection.Port
	}
	if overlay.Connection.DefaultPrivilegeLevel != 0 {
		t.Connection.DefaultPrivilegeLevel = overlay.Connection.DefaultPrivilegeLevel
	}
	return t, nil
}

// CompletionMessage looks up the message for a completion code, checking
// the command-specific table first and falling back to the generic one.
func (t *Tables) CompletionMessage(netFn uint8, cmd uint8, code uint8) string {
	key := formatNetFnCmd(netFn, cmd)
	if table, ok := t.CommandCompletionCodes[key]; ok {
		if msg, ok := table[code]; ok {
			return msg
		}
	}
	if msg, ok := t.IPMICompletionCodes[code]; ok {
		return msg
	}
	return "Unknown completion code"
}

func formatNetFnCmd(netFn, cmd uint8) string {
	return itoa(int(netFn)) + ":" + itoa(int(cmd))
}

func itoa(v int) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [8]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
