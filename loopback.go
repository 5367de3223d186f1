// SPDX-License-Identifier: Apache-2.0
package schannel

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"
)

// LoopbackPeer simulates the server side of the handshake in memory, using
// the same credential computation as a real peer so that end-to-end session
// key and authenticator verification is exercised for real. The defect knobs
// reproduce peer behaviours the handshake must survive or detect; with all
// knobs zero the peer is fully cooperative.
//
// It exists for tests and demos; it is not a server implementation.
type LoopbackPeer struct {
	Host         string
	Capabilities NegotiateFlag
	Secret       []byte

	// Defect knobs.
	AlwaysDeny             bool          // deny every authenticate attempt
	TamperProof            bool          // corrupt the proof in the authenticate response
	WithoutCapabilityQuery bool          // fault capability queries: procedure number out of range
	CapabilityQueryStubbed bool          // answer the level-1 query with "not implemented"
	Level2EnumBug          bool          // fault level-2 queries: enum value out of range
	Level2StubBug          bool          // fault level-2 queries: bad stub data
	TamperNegotiated       NegotiateFlag // XOR into the level-1 capability report
	TamperEcho             NegotiateFlag // XOR into the level-2 requested-flags echo
	ProbeResult            *Status       // control probe result, default "not supported"
	ProbeUnreachable       bool          // fail the control probe at the transport level

	// Observations for assertions.
	ChallengesSeen []Challenge
	AuthAttempts   int

	crypto CryptoProvider

	mu              sync.Mutex
	clientChallenge Challenge
	serverChallenge Challenge
	key             SessionKey
	negotiated      NegotiateFlag
	requested       NegotiateFlag
	seed            Credential
	authenticated   bool
}

// NewLoopbackPeer returns a cooperative peer for host with the given
// capability ceiling and long-term secret.
func NewLoopbackPeer(host string, caps NegotiateFlag, secret []byte) *LoopbackPeer {
	return &LoopbackPeer{
		Host:         host,
		Capabilities: caps,
		Secret:       secret,
		crypto:       NewCrypto(),
	}
}

func (p *LoopbackPeer) handleChallenge(req *ChallengeRequest, resp *ChallengeResponse) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	buf, err := p.crypto.RandomBytes(ChallengeSize)
	if err != nil {
		return err
	}

	p.clientChallenge = req.Challenge
	copy(p.serverChallenge[:], buf)
	p.authenticated = false
	p.ChallengesSeen = append(p.ChallengesSeen, req.Challenge)

	resp.Status = StatusOK
	resp.Challenge = p.serverChallenge
	return nil
}

func (p *LoopbackPeer) handleAuthenticate(req *AuthenticateRequest, resp *AuthenticateResponse) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.AuthAttempts++
	p.requested = req.Flags
	p.negotiated = req.Flags & p.Capabilities

	key, err := p.crypto.DeriveSessionKey(p.Secret, p.clientChallenge, p.serverChallenge, p.negotiated)
	if err != nil {
		return err
	}
	expected, err := p.crypto.ComputeCredential(key, p.clientChallenge, p.negotiated)
	if err != nil {
		return err
	}

	resp.Flags = p.negotiated
	if p.AlwaysDeny || !p.crypto.VerifyCredential(key, expected, req.Credential) {
		resp.Status = StatusAccessDenied
		return nil
	}

	proof, err := p.crypto.ComputeCredential(key, p.serverChallenge, p.negotiated)
	if err != nil {
		return err
	}
	if p.TamperProof {
		proof[0] ^= 0xFF
	}

	p.key = key
	p.seed = expected
	p.authenticated = true

	resp.Status = StatusOK
	resp.Credential = proof
	return nil
}

// checkAuthenticator validates a client authenticator against the peer's
// copy of the chain and advances it, returning the authenticator the client
// expects back.
func (p *LoopbackPeer) checkAuthenticator(a Authenticator) (Authenticator, bool) {
	next := func(offset uint32) Credential {
		in := p.seed
		binary.LittleEndian.PutUint32(in[0:4],
			binary.LittleEndian.Uint32(p.seed[0:4])+a.Timestamp+offset)
		cred, _ := p.crypto.ComputeCredential(p.key, in, p.negotiated)
		return cred
	}

	expected := next(0)
	if !p.crypto.VerifyCredential(p.key, expected, a.Credential) {
		return Authenticator{}, false
	}
	ret := Authenticator{Credential: next(1), Timestamp: a.Timestamp}
	p.seed = expected
	return ret, true
}

func (p *LoopbackPeer) handleCapabilities(req *CapabilitiesRequest, resp *CapabilitiesResponse) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.WithoutCapabilityQuery {
		return &FaultError{Op: OpGetCapabilities, Code: FaultProcNumOutOfRange}
	}
	if req.QueryLevel == CapabilityLevelRequested {
		if p.Level2EnumBug {
			return &FaultError{Op: OpGetCapabilities, Code: FaultEnumValueOutOfRange}
		}
		if p.Level2StubBug {
			return &FaultError{Op: OpGetCapabilities, Code: FaultBadStubData}
		}
	}
	if req.QueryLevel == CapabilityLevelNegotiated && p.CapabilityQueryStubbed {
		resp.Status = StatusNotImplemented
		return nil
	}
	if !p.authenticated {
		resp.Status = StatusAccessDenied
		return nil
	}

	ret, ok := p.checkAuthenticator(req.Authenticator)
	if !ok {
		resp.Status = StatusAccessDenied
		return nil
	}
	resp.ReturnAuthenticator = ret

	switch req.QueryLevel {
	case CapabilityLevelNegotiated:
		resp.Status = StatusOK
		resp.Capabilities = p.negotiated ^ p.TamperNegotiated
	case CapabilityLevelRequested:
		resp.Status = StatusOK
		resp.Capabilities = p.requested ^ p.TamperEcho
	default:
		resp.Status = StatusInvalidParameter
	}
	return nil
}

func (p *LoopbackPeer) handleControl(req *ControlRequest, resp *ControlResponse) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ProbeUnreachable {
		return errors.New("loopback: control endpoint unreachable")
	}
	if p.ProbeResult != nil {
		resp.Result = *p.ProbeResult
		return nil
	}
	resp.Result = StatusNotSupported
	return nil
}

// LoopbackChannel is an RpcChannel that dispatches calls directly to a
// LoopbackPeer.
type LoopbackChannel struct {
	Peer *LoopbackPeer
}

type loopbackConn struct {
	mu     sync.Mutex
	closed bool
	chain  *CredentialChain
	level  ProtectionLevel
}

func (c *loopbackConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (ch *LoopbackChannel) ResolveEndpoint(ctx context.Context, iface InterfaceID) (Binding, error) {
	if err := ctx.Err(); err != nil {
		return Binding{}, err
	}
	return Binding{Host: ch.Peer.Host, Endpoint: "netlogon"}, nil
}

func (ch *LoopbackChannel) OpenConnection(ctx context.Context, binding Binding) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &loopbackConn{}, nil
}

func (ch *LoopbackChannel) BindUnauthenticated(ctx context.Context, conn Conn, iface InterfaceID) error {
	return ctx.Err()
}

func (ch *LoopbackChannel) BindAuthenticated(ctx context.Context, conn Conn, iface InterfaceID, chain *CredentialChain, level ProtectionLevel) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c := conn.(*loopbackConn)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chain = chain
	c.level = level
	return nil
}

func (ch *LoopbackChannel) Call(ctx context.Context, conn Conn, op Operation, req, resp interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	switch op {
	case OpRequestChallenge:
		return ch.Peer.handleChallenge(req.(*ChallengeRequest), resp.(*ChallengeResponse))
	case OpAuthenticate:
		return ch.Peer.handleAuthenticate(req.(*AuthenticateRequest), resp.(*AuthenticateResponse))
	case OpGetCapabilities:
		return ch.Peer.handleCapabilities(req.(*CapabilitiesRequest), resp.(*CapabilitiesResponse))
	case OpLogonControl:
		return ch.Peer.handleControl(req.(*ControlRequest), resp.(*ControlResponse))
	}
	return &FaultError{Op: op, Code: FaultProcNumOutOfRange}
}
