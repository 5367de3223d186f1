// SPDX-License-Identifier: Apache-2.0
package schannel

import (
	"context"
	"fmt"
)

// InterfaceID identifies an RPC interface by syntax identifier and version.
type InterfaceID struct {
	UUID    string
	Version uint32
}

// LogonInterface is the netlogon interface the handshake runs against.
var LogonInterface = InterfaceID{UUID: "12345678-1234-abcd-ef00-01234567cffb", Version: 1}

// Binding describes a resolved endpoint for an interface on a host.
type Binding struct {
	Host     string
	Endpoint string
}

// Conn is an open transport connection owned by an RpcChannel.
type Conn interface {
	Close() error
}

// ProtectionLevel selects the protection applied to calls on the
// authenticated binding.
type ProtectionLevel uint8

const (
	// ProtectIntegrity signs each call with the session key.
	ProtectIntegrity ProtectionLevel = iota + 1
	// ProtectPrivacy signs and seals each call with the session key.
	ProtectPrivacy
)

func (l ProtectionLevel) String() string {
	switch l {
	case ProtectIntegrity:
		return "integrity"
	case ProtectPrivacy:
		return "privacy"
	}
	return "unknown"
}

// Operation is a netlogon operation number.
type Operation uint16

const (
	OpLogonControl     Operation = 12 // NetrLogonControl
	OpRequestChallenge Operation = 4  // NetrServerReqChallenge
	OpAuthenticate     Operation = 15 // NetrServerAuthenticate2
	OpGetCapabilities  Operation = 21 // NetrLogonGetCapabilities
)

func (o Operation) String() string {
	switch o {
	case OpRequestChallenge:
		return "NetrServerReqChallenge"
	case OpAuthenticate:
		return "NetrServerAuthenticate2"
	case OpGetCapabilities:
		return "NetrLogonGetCapabilities"
	case OpLogonControl:
		return "NetrLogonControl"
	}
	return fmt.Sprintf("opnum %d", uint16(o))
}

// Status is an application-level result returned by the peer inside a
// response body, distinct from transport faults.
type Status uint32

const (
	StatusOK Status = iota
	StatusAccessDenied
	StatusNotImplemented
	StatusNotSupported
	StatusInternalError
	StatusInvalidParameter
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusAccessDenied:
		return "access denied"
	case StatusNotImplemented:
		return "not implemented"
	case StatusNotSupported:
		return "not supported"
	case StatusInternalError:
		return "internal error"
	case StatusInvalidParameter:
		return "invalid parameter"
	}
	return fmt.Sprintf("status %d", uint32(s))
}

// FaultCode classifies RPC-layer faults that the handshake must distinguish.
// Any fault not listed here is treated as an ordinary transport failure.
type FaultCode uint32

const (
	// FaultProcNumOutOfRange: the peer's interface revision does not include
	// the requested operation number.
	FaultProcNumOutOfRange FaultCode = iota + 1
	// FaultEnumValueOutOfRange: the peer rejected an enumeration value in
	// the request.
	FaultEnumValueOutOfRange
	// FaultBadStubData: the peer could not unmarshal the request. Some
	// legacy peers return this instead of FaultEnumValueOutOfRange for an
	// out-of-range capability query level.
	FaultBadStubData
)

func (c FaultCode) String() string {
	switch c {
	case FaultProcNumOutOfRange:
		return "procedure number out of range"
	case FaultEnumValueOutOfRange:
		return "enum value out of range"
	case FaultBadStubData:
		return "bad stub data"
	}
	return fmt.Sprintf("fault %d", uint32(c))
}

// FaultError is returned by RpcChannel.Call when the peer raises an RPC
// fault rather than answering the call.
type FaultError struct {
	Op   Operation
	Code FaultCode
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("schannel: %s fault: %s", e.Op, e.Code)
}

// RpcChannel is the transport capability the handshake runs over. The
// channel owns endpoint resolution, connection establishment, binding and
// call dispatch including wire encoding; the handshake only supplies and
// consumes the request and response shapes defined in this package.
//
// Call reports peer-raised RPC faults as *FaultError; any other non-nil
// error is treated as a transport failure and ends the handshake.
type RpcChannel interface {
	ResolveEndpoint(ctx context.Context, iface InterfaceID) (Binding, error)
	OpenConnection(ctx context.Context, binding Binding) (Conn, error)
	BindUnauthenticated(ctx context.Context, conn Conn, iface InterfaceID) error
	BindAuthenticated(ctx context.Context, conn Conn, iface InterfaceID, chain *CredentialChain, level ProtectionLevel) error
	Call(ctx context.Context, conn Conn, op Operation, req, resp interface{}) error
}

// ChallengeRequest carries the client challenge of the two-message exchange
// (NetrServerReqChallenge).
type ChallengeRequest struct {
	ServerName   string
	ComputerName string
	Challenge    Challenge
}

// ChallengeResponse returns the peer's challenge.
type ChallengeResponse struct {
	Status    Status
	Challenge Challenge
}

// AuthenticateRequest carries the client identity, the requested capability
// set and the first client credential (NetrServerAuthenticate2).
type AuthenticateRequest struct {
	ServerName   string
	AccountName  string
	ChannelType  ChannelType
	ComputerName string
	Flags        NegotiateFlag
	Credential   Credential
}

// AuthenticateResponse returns the negotiated capability set and the peer's
// proof of session key possession.
type AuthenticateResponse struct {
	Status     Status
	Flags      NegotiateFlag
	Credential Credential
}

// Capability query levels (NetrLogonGetCapabilities).
const (
	// CapabilityLevelNegotiated asks for the flags the peer believes were
	// negotiated.
	CapabilityLevelNegotiated uint32 = 1
	// CapabilityLevelRequested asks for the flags the peer saw the client
	// request.
	CapabilityLevelRequested uint32 = 2
)

// CapabilitiesRequest is an authenticated post-handshake query used to
// cross-check negotiation results.
type CapabilitiesRequest struct {
	ServerName    string
	ComputerName  string
	Authenticator Authenticator
	QueryLevel    uint32
}

// CapabilitiesResponse returns the peer's view of the capability set for the
// requested query level, plus the return authenticator advancing the chain.
type CapabilitiesResponse struct {
	Status              Status
	ReturnAuthenticator Authenticator
	Capabilities        NegotiateFlag
}

// ControlQuery is the neutral control function code used by the legacy-peer
// probe (NetrLogonControl with NETLOGON_CONTROL_QUERY).
const ControlQuery uint32 = 1

// ControlRequest is the unauthenticated control probe sent to suspected
// legacy peers.
type ControlRequest struct {
	ServerName   string
	FunctionCode uint32
	QueryLevel   uint32
}

// ControlResponse returns the probe result. A genuine legacy peer answers
// the probe with StatusNotSupported.
type ControlResponse struct {
	Result Status
}
