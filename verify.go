// SPDX-License-Identifier: Apache-2.0
package schannel

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// capOutcome is the result of one capability cross-check.
type capOutcome int

const (
	// capVerified: the peer answered and its view matches ours.
	capVerified capOutcome = iota
	// capNeedsProbe: the peer does not recognise the query; its legitimacy
	// must be confirmed with the control probe.
	capNeedsProbe
	// capLegacyOK: the peer answered "not implemented" honestly at a
	// capability level where that is acceptable; no probe needed.
	capLegacyOK
)

// verifyCapabilities cross-checks the negotiation result with the peer over
// the authenticated binding. Level 1 compares the peer's view of the
// negotiated flags; level 2 confirms our requested flags reached the peer
// unmodified. Peers that predate the query are admitted only after the
// control probe confirms they behave like genuine legacy peers.
func (h *handshake) verifyCapabilities(ctx context.Context, conn Conn, chain *CredentialChain) error {
	outcome, err := h.verifyNegotiated(ctx, conn, chain)
	if err != nil {
		return err
	}
	switch outcome {
	case capNeedsProbe:
		return h.legacyProbe(ctx, conn, chain)
	case capLegacyOK:
		return nil
	}

	outcome, err = h.verifyRequestedEcho(ctx, conn, chain)
	if err != nil {
		return err
	}
	if outcome == capNeedsProbe {
		return h.legacyProbe(ctx, conn, chain)
	}
	return nil
}

// verifyNegotiated issues the level-1 capability query and compares the
// peer's reported negotiated flags bit-for-bit with the local chain.
func (h *handshake) verifyNegotiated(ctx context.Context, conn Conn, chain *CredentialChain) (capOutcome, error) {
	saved := chain.saveState()
	auth, err := chain.NextAuthenticator()
	if err != nil {
		chain.restoreState(saved)
		return 0, err
	}

	req := CapabilitiesRequest{
		ServerName:    h.serverName,
		ComputerName:  h.computerName,
		Authenticator: auth,
		QueryLevel:    CapabilityLevelNegotiated,
	}
	var resp CapabilitiesResponse
	callErr := h.c.channel.Call(ctx, conn, OpGetCapabilities, &req, &resp)
	if callErr != nil {
		chain.restoreState(saved)

		var fault *FaultError
		if errors.As(callErr, &fault) && fault.Code == FaultProcNumOutOfRange {
			// The peer's interface revision predates the query. A peer that
			// negotiated strong crypto but cannot answer for it is lying
			// about one or the other.
			flags := chain.NegotiatedFlags()
			if flags&NegotiateSupportsAES != 0 || flags&NegotiateStrongKeys != 0 {
				return 0, &DowngradeError{
					Stage:    "negotiated capability query",
					Local:    flags,
					Required: h.plan.Required,
				}
			}
			return capNeedsProbe, nil
		}
		return 0, errors.Wrap(callErr, "schannel: negotiated capability query")
	}

	if resp.Status == StatusNotImplemented {
		chain.restoreState(saved)
		if chain.NegotiatedFlags()&NegotiateSupportsAES != 0 {
			return 0, &DowngradeError{
				Stage:    "negotiated capability query",
				Local:    chain.NegotiatedFlags(),
				Required: h.plan.Required,
			}
		}
		// An older peer that recognises the query but does not implement
		// it, and never claimed AES. Acceptable as-is.
		h.log.Debug("peer does not implement the capability query")
		return capLegacyOK, nil
	}

	if !chain.VerifyResponse(resp.ReturnAuthenticator) {
		return 0, &VerificationError{Stage: "negotiated capability query"}
	}
	if resp.Status != StatusOK {
		return 0, &StatusError{Op: OpGetCapabilities, Status: resp.Status}
	}

	flags := chain.NegotiatedFlags()
	if resp.Capabilities != flags {
		h.log.WithFields(logrus.Fields{
			"local":  flags.Word(),
			"remote": resp.Capabilities.Word(),
		}).Error("peer reports different negotiated capabilities")
		return 0, &DowngradeError{
			Stage:    "negotiated capability query",
			Local:    flags,
			Required: h.plan.Required,
			Remote:   resp.Capabilities,
		}
	}
	if h.plan.Requested&NegotiateSupportsAES != 0 && flags&NegotiateSupportsAES == 0 {
		return 0, &DowngradeError{
			Stage:    "negotiated capability query",
			Local:    flags,
			Required: h.plan.Required,
			Remote:   resp.Capabilities,
		}
	}

	return capVerified, nil
}

// verifyRequestedEcho issues the level-2 capability query, which echoes the
// flags the peer saw this client request. A mismatch means something between
// the two ends rewrote the request.
func (h *handshake) verifyRequestedEcho(ctx context.Context, conn Conn, chain *CredentialChain) (capOutcome, error) {
	saved := chain.saveState()
	auth, err := chain.NextAuthenticator()
	if err != nil {
		chain.restoreState(saved)
		return 0, err
	}

	req := CapabilitiesRequest{
		ServerName:    h.serverName,
		ComputerName:  h.computerName,
		Authenticator: auth,
		QueryLevel:    CapabilityLevelRequested,
	}
	var resp CapabilitiesResponse
	callErr := h.c.channel.Call(ctx, conn, OpGetCapabilities, &req, &resp)
	if callErr != nil {
		var fault *FaultError
		if errors.As(callErr, &fault) {
			code := fault.Code
			if code == FaultBadStubData {
				// Some unpatched peers report a stub data fault for the
				// unknown query level. Treat it exactly like the
				// out-of-range fault, and nothing else like it.
				code = FaultEnumValueOutOfRange
			}
			if code == FaultEnumValueOutOfRange {
				// Level 1 already verified the negotiated flags, so the
				// peer does implement the query. A faked fault here would
				// desynchronise the sequence on the protected binding; the
				// probe confirms which case this is.
				chain.restoreState(saved)
				return capNeedsProbe, nil
			}
		}
		chain.restoreState(saved)
		return 0, errors.Wrap(callErr, "schannel: requested capability query")
	}

	if !chain.VerifyResponse(resp.ReturnAuthenticator) {
		return 0, &VerificationError{Stage: "requested capability query"}
	}
	if resp.Status != StatusOK {
		return 0, &StatusError{Op: OpGetCapabilities, Status: resp.Status}
	}

	if resp.Capabilities != h.plan.Requested {
		h.log.WithFields(logrus.Fields{
			"sent":   h.plan.Requested.Word(),
			"echoed": resp.Capabilities.Word(),
		}).Error("requested capabilities did not reach the peer unmodified")
		return 0, &DowngradeError{
			Stage:    "requested capability echo",
			Local:    h.plan.Requested,
			Required: h.plan.Required,
			Remote:   resp.Capabilities,
		}
	}

	return capVerified, nil
}

// legacyProbe sends a neutral control query to a peer that claims not to
// support the capability query. A genuine legacy peer recognises the probe
// and answers "not supported"; anything else is a downgrade signal.
func (h *handshake) legacyProbe(ctx context.Context, conn Conn, chain *CredentialChain) error {
	req := ControlRequest{
		ServerName:   h.serverName,
		FunctionCode: ControlQuery,
		QueryLevel:   2,
	}
	var resp ControlResponse
	if err := h.c.channel.Call(ctx, conn, OpLogonControl, &req, &resp); err != nil {
		h.log.WithError(err).Error("legacy probe failed")
		return &DowngradeError{
			Stage:    "legacy probe",
			Local:    chain.NegotiatedFlags(),
			Required: h.plan.Required,
		}
	}
	if resp.Result != StatusNotSupported {
		h.log.WithField("result", resp.Result.String()).
			Error("legacy probe returned an unexpected result")
		return &DowngradeError{
			Stage:    "legacy probe",
			Local:    chain.NegotiatedFlags(),
			Required: h.plan.Required,
		}
	}

	h.log.Debug("legacy peer confirmed by control probe")
	return nil
}
