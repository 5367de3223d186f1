// SPDX-License-Identifier: Apache-2.0
package schannel

import (
	"encoding/binary"
	"sync"
	"time"
)

// Authenticator is the per-call proof attached to authenticated operations on
// an established channel: the current rolling credential and the sequence
// value it was computed for.
type Authenticator struct {
	Credential Credential
	Timestamp  uint32
}

// CredentialChain owns the derived session key, the negotiated capability
// set and the rolling credential advanced on every authenticated call. A
// chain is exclusively owned by one handshake until Establish succeeds, at
// which point ownership transfers to the caller for use on the connection.
//
// NextAuthenticator and VerifyResponse are safe for use by one caller at a
// time per connection; the advance is a critical section so at most one
// authenticator is in flight.
type CredentialChain struct {
	mu     sync.Mutex
	crypto CryptoProvider

	key   SessionKey
	flags NegotiateFlag

	seed             Credential // rolling credential
	clientCredential Credential
	serverCredential Credential
	sequence         uint32

	released bool
}

// chainState is the snapshot used to roll the chain back when a peer response
// turns out not to advance it (the legacy capability-query fallbacks).
type chainState struct {
	seed             Credential
	clientCredential Credential
	serverCredential Credential
	sequence         uint32
}

// newCredentialChain derives the session key from the exchanged challenges
// and computes the initial client and server credentials
// ([MS-NRPC] § 3.1.4.4). flags is the local capability ceiling for this
// attempt; it selects the derivation and credential algorithms.
func newCredentialChain(crypto CryptoProvider, secret []byte, client, server Challenge, flags NegotiateFlag, now time.Time) (*CredentialChain, error) {
	key, err := crypto.DeriveSessionKey(secret, client, server, flags)
	if err != nil {
		return nil, err
	}

	cc, err := crypto.ComputeCredential(key, client, flags)
	if err != nil {
		return nil, err
	}
	sc, err := crypto.ComputeCredential(key, server, flags)
	if err != nil {
		return nil, err
	}

	return &CredentialChain{
		crypto:           crypto,
		key:              key,
		flags:            flags,
		seed:             cc,
		clientCredential: cc,
		serverCredential: sc,
		sequence:         uint32(now.Unix()),
	}, nil
}

// firstCredential is the proof sent with the authenticate request.
func (c *CredentialChain) firstCredential() Credential {
	return c.clientCredential
}

// verifyServerProof checks the peer's proof from the authenticate response.
func (c *CredentialChain) verifyServerProof(received Credential) bool {
	return c.crypto.VerifyCredential(c.key, c.serverCredential, received)
}

// narrow intersects the stored capability set with the peer's. Only the
// handshake calls this, and only once, after a retry-free exchange.
func (c *CredentialChain) narrow(remote NegotiateFlag) {
	c.flags &= remote
}

// NegotiatedFlags returns the capability set in effect on the channel.
func (c *CredentialChain) NegotiatedFlags() NegotiateFlag {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flags
}

// SessionKey returns the derived session key for use by the transport when
// protecting calls on the authenticated binding.
func (c *CredentialChain) SessionKey() (SessionKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return SessionKey{}, ErrChainReleased
	}
	return c.key, nil
}

// NextAuthenticator advances the chain and returns the authenticator for the
// next authenticated call ([MS-NRPC] § 3.1.4.5).
func (c *CredentialChain) NextAuthenticator() (Authenticator, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return Authenticator{}, ErrChainReleased
	}

	c.sequence += 2
	if err := c.step(); err != nil {
		return Authenticator{}, err
	}
	return Authenticator{Credential: c.clientCredential, Timestamp: c.sequence}, nil
}

// VerifyResponse checks the return authenticator of an authenticated call
// against the expected peer-side credential for the current sequence.
func (c *CredentialChain) VerifyResponse(a Authenticator) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return false
	}
	return c.crypto.VerifyCredential(c.key, c.serverCredential, a.Credential)
}

// Release destroys the chain's key material. Any further use fails with
// ErrChainReleased.
func (c *CredentialChain) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.key = SessionKey{}
	c.seed = Credential{}
	c.clientCredential = Credential{}
	c.serverCredential = Credential{}
	c.released = true
}

// step computes the next client and expected server credentials from the
// rolling credential and the sequence, then rolls the seed forward.
func (c *CredentialChain) step() error {
	next := func(offset uint32) (Credential, error) {
		in := c.seed
		binary.LittleEndian.PutUint32(in[0:4],
			binary.LittleEndian.Uint32(c.seed[0:4])+c.sequence+offset)
		return c.crypto.ComputeCredential(c.key, in, c.flags)
	}

	cc, err := next(0)
	if err != nil {
		return err
	}
	sc, err := next(1)
	if err != nil {
		return err
	}

	c.clientCredential = cc
	c.serverCredential = sc
	c.seed = cc
	return nil
}

func (c *CredentialChain) saveState() chainState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return chainState{
		seed:             c.seed,
		clientCredential: c.clientCredential,
		serverCredential: c.serverCredential,
		sequence:         c.sequence,
	}
}

func (c *CredentialChain) restoreState(s chainState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seed = s.seed
	c.clientCredential = s.clientCredential
	c.serverCredential = s.serverCredential
	c.sequence = s.sequence
}
