package ipmicore

import (
	"fmt"

	"github.com/ipmicore/ipmicore/internal/wire"
)

// NetFn and CompletionCode are re-exported from internal/wire so callers
// building Command implementations never need to import the internal
// package directly.
type (
	NetFn          = wire.NetFn
	CompletionCode = wire.CompletionCode
	AuthType       = wire.AuthType
)

const (
	AuthTypeNone     = wire.AuthTypeNone
	AuthTypeMD5      = wire.AuthTypeMD5
	AuthTypeRMCPPlus = wire.AuthTypeRMCPPlus
)

const (
	NetFnChassisReq     = wire.NetFnChassis
	NetFnAppReq         = wire.NetFnApp
	NetFnTransportReq   = wire.NetFnTransport
	NetFnStorageReq     = wire.NetFnStorage
	NetFnSensorEventReq = wire.NetFnSensorEvent
)

const (
	CompletionOK              = wire.CompletionNormal
	CompletionTimeout         = wire.CompletionTimeout
	CompletionUnspecifiedErr  = wire.CompletionUnspecifiedError
	CompletionInvalidFieldReq = wire.CompletionInvalidFieldInRequest
)

// PrivilegeLevel is the IPMI channel privilege level (Section 6.8).
type PrivilegeLevel uint8

const (
	PrivilegeCallback      PrivilegeLevel = 0x01
	PrivilegeUser          PrivilegeLevel = 0x02
	PrivilegeOperator      PrivilegeLevel = 0x03
	PrivilegeAdministrator PrivilegeLevel = 0x04
)

func (p PrivilegeLevel) String() string {
	switch p {
	case PrivilegeCallback:
		return "CALLBACK"
	case PrivilegeUser:
		return "USER"
	case PrivilegeOperator:
		return "OPERATOR"
	case PrivilegeAdministrator:
		return "ADMINISTRATOR"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(p))
	}
}
