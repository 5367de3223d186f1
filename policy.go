// SPDX-License-Identifier: Apache-2.0
package schannel

// ChannelClass selects the cryptographic strength requested for a secure
// channel. The automatic class lets the handshake downgrade once to the
// peer's capability ceiling; the explicit classes never downgrade.
type ChannelClass int

const (
	// ChannelLegacy negotiates only the legacy baseline capability set.
	ChannelLegacy ChannelClass = iota
	// Channel128 requires 128-bit (strong key) session keys.
	Channel128
	// ChannelAES requires AES session keys and rejects peers without them.
	ChannelAES
	// ChannelAuto offers the strongest capability set and permits a single
	// downgrade retry against peers with a lower ceiling.
	ChannelAuto
)

func (c ChannelClass) String() string {
	switch c {
	case ChannelLegacy:
		return "legacy"
	case Channel128:
		return "128-bit"
	case ChannelAES:
		return "aes"
	case ChannelAuto:
		return "auto"
	}
	return "unknown"
}

// Policy carries the administrative switches that shape negotiation. A Policy
// is an explicit input to Establish; the package keeps no process-wide
// negotiation defaults.
type Policy struct {
	// RejectWeakServers refuses peers that cannot negotiate AES.
	RejectWeakServers bool
	// RequireStrongKey refuses peers that cannot negotiate 128-bit keys.
	RequireStrongKey bool
	// WeakCryptoDisallowed forces RejectWeakServers regardless of the
	// channel class, mirroring a system-wide crypto policy.
	WeakCryptoDisallowed bool
}

// NegotiationPlan is the output of Negotiate: the flag set sent to the peer,
// the flags that must survive negotiation, the ceiling this side will accept,
// and whether a single downgrade retry is permitted.
//
// Requested and LocalMax start out equal. Only the handshake's downgrade
// retry narrows the per-attempt local ceiling; Requested never changes, which
// lets the level-2 capability query verify the original request reached the
// peer unmodified.
type NegotiationPlan struct {
	Requested    NegotiateFlag
	Required     NegotiateFlag
	LocalMax     NegotiateFlag
	RetryAllowed bool
}

// Negotiate computes the negotiation plan for a channel class, policy and
// secure channel type. It is pure: identical inputs always produce identical
// output, which the downgrade retry relies on (only the per-attempt ceiling
// shrinks between attempts, never the plan).
func Negotiate(class ChannelClass, pol Policy, chanType ChannelType) NegotiationPlan {
	local := NegotiateAuth2Flags
	required := NegotiateAuthenticatedRPC
	rejectWeak := false
	requireStrong := false
	retry := false

	switch class {
	case Channel128:
		local = NegotiateAuth2ADSFlags
		requireStrong = true
	case ChannelAES:
		local = NegotiateAuth2ADSFlags
		rejectWeak = true
	case ChannelAuto:
		local = NegotiateAuth2ADSFlags
		local |= NegotiateSupportsAES
		retry = true
		rejectWeak = pol.RejectWeakServers
		requireStrong = pol.RequireStrongKey
	}

	if pol.WeakCryptoDisallowed {
		rejectWeak = true
	}
	if rejectWeak {
		requireStrong = true
	}

	if requireStrong {
		required |= NegotiateArcfour
		required |= NegotiateStrongKeys
	}
	if rejectWeak {
		required |= NegotiatePasswordSet2
		required |= NegotiateSupportsAES
	}

	local |= required

	// AES strictly supersedes the RC4/strong-key requirement.
	if required&NegotiateSupportsAES != 0 {
		required &^= NegotiateArcfour
		required &^= NegotiateStrongKeys
	}

	if chanType == ChannelTypeRODC {
		local |= NegotiateRODCPassthrough
	}

	return NegotiationPlan{
		Requested:    local,
		Required:     required,
		LocalMax:     local,
		RetryAllowed: retry,
	}
}
