// SPDX-License-Identifier: Apache-2.0
package schannel

import (
	"errors"
	"fmt"
)

// Sentinel errors for the handshake failure taxonomy. Structured failures
// below report these via errors.Is so callers can classify an outcome without
// losing the diagnostic detail carried by the concrete type.
var ErrDowngradeDetected = errors.New("schannel: downgrade detected")
var ErrAuthenticationDenied = errors.New("schannel: authentication denied by peer")
var ErrCredentialVerification = errors.New("schannel: credential verification failed")
var ErrNoLongTermSecret = errors.New("schannel: credential store returned no long-term secret")
var ErrChainReleased = errors.New("schannel: credential chain has been released")

// DowngradeError reports that the peer settled on, or claimed, weaker
// cryptography than the negotiation requires. The flag words identify which
// stage detected the mismatch and what each side believed was agreed.
// Session key material is never included.
type DowngradeError struct {
	Stage    string        // handshake stage that detected the downgrade
	Local    NegotiateFlag // capabilities this side offered
	Required NegotiateFlag // capabilities that had to survive negotiation
	Remote   NegotiateFlag // capabilities the peer reported
}

func (e *DowngradeError) Error() string {
	return fmt.Sprintf("schannel: downgrade detected during %s: local %s required %s remote %s",
		e.Stage, e.Local.Word(), e.Required.Word(), e.Remote.Word())
}

func (e *DowngradeError) Is(target error) bool { return target == ErrDowngradeDetected }

// DeniedError reports a terminal access-denied outcome from the authenticate
// round, after any permitted downgrade retry has been consumed.
type DeniedError struct {
	Retried bool          // true if a downgrade retry was attempted first
	Local   NegotiateFlag // capabilities offered on the failing attempt
	Remote  NegotiateFlag // capabilities the peer reported
}

func (e *DeniedError) Error() string {
	if e.Retried {
		return fmt.Sprintf("schannel: authentication denied by peer after downgrade retry: local %s remote %s",
			e.Local.Word(), e.Remote.Word())
	}
	return fmt.Sprintf("schannel: authentication denied by peer: local %s remote %s",
		e.Local.Word(), e.Remote.Word())
}

func (e *DeniedError) Is(target error) bool { return target == ErrAuthenticationDenied }

// StatusError reports a non-success application status returned by the peer
// for an operation, other than the access-denied results consumed by the
// retry logic.
type StatusError struct {
	Op     Operation
	Status Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("schannel: %s returned %s", e.Op, e.Status)
}

// VerificationError reports a failed check of a peer-returned credential or
// authenticator, which signals active tampering or a desynchronised chain.
type VerificationError struct {
	Stage string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("schannel: peer credential failed verification during %s", e.Stage)
}

func (e *VerificationError) Is(target error) bool { return target == ErrCredentialVerification }
