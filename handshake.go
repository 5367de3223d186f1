// SPDX-License-Identifier: Apache-2.0
package schannel

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Client establishes secure channels over an RpcChannel using the identity
// supplied by a CredentialStore. A Client is safe for concurrent use;
// each Establish call owns its own handshake state.
type Client struct {
	channel RpcChannel
	store   CredentialStore
	crypto  CryptoProvider
	logger  logrus.FieldLogger
	level   ProtectionLevel
	now     func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithCrypto replaces the default CryptoProvider.
func WithCrypto(p CryptoProvider) Option {
	return func(c *Client) { c.crypto = p }
}

// WithLogger sets the logger used for handshake diagnostics. The default
// discards all output. Diagnostics include flag words but never key material.
func WithLogger(l logrus.FieldLogger) Option {
	return func(c *Client) { c.logger = l }
}

// WithProtectionLevel sets the protection level requested for the
// authenticated binding. The default is ProtectPrivacy.
func WithProtectionLevel(l ProtectionLevel) Option {
	return func(c *Client) { c.level = l }
}

// WithClock replaces the clock used to seed the credential chain sequence,
// for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// New returns a Client for the given transport and credential store.
func New(channel RpcChannel, store CredentialStore, opts ...Option) *Client {
	discard := logrus.New()
	discard.SetOutput(io.Discard)

	c := &Client{
		channel: channel,
		store:   store,
		crypto:  NewCrypto(),
		logger:  discard,
		level:   ProtectPrivacy,
		now:     time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// handshake owns the state of one Establish call. The continuation style of
// older implementations becomes a plain sequential state machine here: each
// network round trip is a suspension point on ctx, and nothing is shared
// between concurrent handshakes.
type handshake struct {
	c            *Client
	log          logrus.FieldLogger
	plan         NegotiationPlan
	serverName   string
	computerName string
}

// Establish negotiates a secure channel and binds primary with the resulting
// credential chain at the client's protection level. iface is the interface
// the caller wants secured on primary; when it is the logon interface itself,
// the negotiated capabilities are cross-checked with the peer after the bind.
//
// On success the returned chain is owned by the caller and produces the
// authenticator for every subsequent authenticated call on the connection.
// On failure no chain is returned and all partially derived key material has
// been destroyed.
func (c *Client) Establish(ctx context.Context, primary Conn, iface InterfaceID, class ChannelClass, pol Policy) (*CredentialChain, error) {
	plan := Negotiate(class, pol, c.store.ChannelType())

	h := &handshake{
		c:            c,
		plan:         plan,
		computerName: c.store.WorkstationName(),
		log: c.logger.WithFields(logrus.Fields{
			"handshake": uuid.NewString(),
			"class":     class.String(),
		}),
	}

	// The handshake runs on a fresh, unauthenticated connection to the
	// logon endpoint, never on the connection being secured.
	binding, err := c.channel.ResolveEndpoint(ctx, LogonInterface)
	if err != nil {
		return nil, errors.Wrap(err, "schannel: resolving logon endpoint")
	}
	h.serverName = `\\` + binding.Host

	secondary, err := c.channel.OpenConnection(ctx, binding)
	if err != nil {
		return nil, errors.Wrap(err, "schannel: opening secondary connection")
	}
	defer secondary.Close()

	if err := c.channel.BindUnauthenticated(ctx, secondary, LogonInterface); err != nil {
		return nil, errors.Wrap(err, "schannel: unauthenticated bind")
	}

	chain, err := h.runKeyExchange(ctx, secondary)
	if err != nil {
		return nil, err
	}

	established := false
	defer func() {
		if !established {
			chain.Release()
		}
	}()

	if err := c.channel.BindAuthenticated(ctx, primary, iface, chain, c.level); err != nil {
		return nil, errors.Wrap(err, "schannel: authenticated bind")
	}

	if iface == LogonInterface {
		if err := h.verifyCapabilities(ctx, primary, chain); err != nil {
			return nil, err
		}
	}

	h.log.WithFields(logrus.Fields{
		"negotiated": chain.NegotiatedFlags().Word(),
		"protection": c.level.String(),
	}).Info("secure channel established")

	established = true
	return chain, nil
}

// runKeyExchange drives the challenge/authenticate rounds, including the
// downgrade check after every attempt and the single permitted retry at the
// peer's capability ceiling.
func (h *handshake) runKeyExchange(ctx context.Context, conn Conn) (*CredentialChain, error) {
	local := h.plan.LocalMax
	retryAllowed := h.plan.RetryAllowed
	retried := false

	for {
		res, err := h.exchangeOnce(ctx, conn, local)
		if err != nil {
			return nil, err
		}
		remote := res.remote

		if res.status != StatusOK && res.status != StatusAccessDenied {
			res.chain.Release()
			return nil, &StatusError{Op: OpAuthenticate, Status: res.status}
		}

		// When both sides advertise AES the RC4/strong-key requirement is
		// satisfied transitively.
		required := h.plan.Required
		if remote&NegotiateSupportsAES != 0 && local&NegotiateSupportsAES != 0 {
			required &^= NegotiateArcfour
			required &^= NegotiateStrongKeys
		}
		if required&remote != required {
			res.chain.Release()
			h.log.WithFields(logrus.Fields{
				"local":    local.Word(),
				"required": h.plan.Required.Word(),
				"remote":   remote.Word(),
			}).Error("peer capabilities do not cover the required set")
			return nil, &DowngradeError{
				Stage:    "authenticate",
				Local:    local,
				Required: h.plan.Required,
				Remote:   remote,
			}
		}

		if res.status == StatusAccessDenied {
			res.chain.Release()

			if local&remote == local {
				// Without a change in flags there is nothing to retry.
				retryAllowed = false
			}
			if !retryAllowed {
				return nil, &DeniedError{Retried: retried, Local: local, Remote: remote}
			}
			retryAllowed = false

			// A peer that shares our key strength tier but still denies is
			// not fixable by downgrading.
			switch {
			case local&NegotiateSupportsAES != 0:
				if remote&NegotiateSupportsAES != 0 {
					return nil, &DeniedError{Local: local, Remote: remote}
				}
			case local&NegotiateStrongKeys != 0:
				if remote&NegotiateStrongKeys != 0 {
					return nil, &DeniedError{Local: local, Remote: remote}
				}
			}

			h.log.WithFields(logrus.Fields{
				"local":  local.Word(),
				"remote": remote.Word(),
			}).Warn("peer rejected offered key strength, retrying once at its ceiling")

			local &= remote
			retried = true
			continue
		}

		if !res.chain.verifyServerProof(res.serverProof) {
			res.chain.Release()
			return nil, &VerificationError{Stage: "authenticate"}
		}

		if h.plan.Requested == local {
			// No downgrade in what we proposed; adjust the stored flags to
			// what was actually negotiated.
			res.chain.narrow(remote)
		} else if local != remote {
			// We downgraded once already; a further mismatch means the peer
			// moved the ceiling again.
			res.chain.Release()
			return nil, &DowngradeError{
				Stage:    "downgrade retry",
				Local:    local,
				Required: h.plan.Required,
				Remote:   remote,
			}
		}

		h.log.WithField("negotiated", res.chain.NegotiatedFlags().Word()).
			Debug("session key established")
		return res.chain, nil
	}
}
