// SPDX-License-Identifier: Apache-2.0
package schannel

import (
	"context"

	"github.com/pkg/errors"
)

// exchangeResult carries the outcome of one challenge/authenticate round.
// An access-denied status is not an error here; the orchestrator interprets
// it against the retry rules.
type exchangeResult struct {
	chain       *CredentialChain
	status      Status
	remote      NegotiateFlag
	serverProof Credential
}

// exchangeOnce runs the two-message exchange for a single attempt: a freshly
// generated client challenge, session key derivation at the attempt's local
// capability ceiling, and the authenticate call carrying the first client
// credential. The challenge is generated inside this function so a retry can
// never reuse challenge material.
func (h *handshake) exchangeOnce(ctx context.Context, conn Conn, local NegotiateFlag) (*exchangeResult, error) {
	buf, err := h.c.crypto.RandomBytes(ChallengeSize)
	if err != nil {
		return nil, err
	}
	var clientChallenge Challenge
	copy(clientChallenge[:], buf)

	creq := ChallengeRequest{
		ServerName:   h.serverName,
		ComputerName: h.computerName,
		Challenge:    clientChallenge,
	}
	var cres ChallengeResponse
	if err := h.c.channel.Call(ctx, conn, OpRequestChallenge, &creq, &cres); err != nil {
		return nil, errors.Wrap(err, "schannel: challenge call")
	}
	if cres.Status != StatusOK {
		return nil, &StatusError{Op: OpRequestChallenge, Status: cres.Status}
	}

	secret := h.c.store.LongTermSecret()
	if len(secret) == 0 {
		return nil, ErrNoLongTermSecret
	}

	chain, err := newCredentialChain(h.c.crypto, secret, clientChallenge, cres.Challenge, local, h.c.now())
	if err != nil {
		return nil, err
	}

	// The request always advertises the original requested set; only the
	// derivation above narrows with the attempt's ceiling.
	areq := AuthenticateRequest{
		ServerName:   h.serverName,
		AccountName:  h.c.store.AccountName(),
		ChannelType:  h.c.store.ChannelType(),
		ComputerName: h.computerName,
		Flags:        h.plan.Requested,
		Credential:   chain.firstCredential(),
	}
	var ares AuthenticateResponse
	if err := h.c.channel.Call(ctx, conn, OpAuthenticate, &areq, &ares); err != nil {
		chain.Release()
		return nil, errors.Wrap(err, "schannel: authenticate call")
	}

	return &exchangeResult{
		chain:       chain,
		status:      ares.Status,
		remote:      ares.Flags,
		serverProof: ares.Credential,
	}, nil
}
