// SPDX-License-Identifier: Apache-2.0
package schannel

import (
	"fmt"
	"strings"
)

// NegotiateFlag is a bitset of netlogon capability bits exchanged during the
// secure channel handshake. Bit values are the same as the wire protocol for
// compatibility ([MS-NRPC] § 3.1.4.2).
type NegotiateFlag uint32

const (
	NegotiateAccountLockout        NegotiateFlag = 1 << iota // supports account lockout notification
	NegotiatePersistentSAMRepl                               // supports persistent database replication
	NegotiateArcfour                                         // supports RC4 encryption
	NegotiatePromotionCount                                  // obsolete, no effect on the wire
	NegotiateChangelogBDC                                    // supports changelog replication
	NegotiateFullSyncRepl                                    // supports full database synchronisation
	NegotiateMultipleSIDs                                    // supports multiple SID operations
	NegotiateRedo                                            // supports database redo operations
	NegotiatePasswordChangeRefusal                           // supports refusing password changes
	NegotiateNetrLogonSendToSam                              // supports NetrLogonSendToSam
	NegotiateGenericPassthrough                              // supports generic pass-through authentication
	NegotiateConcurrentRPC                                   // supports concurrent RPC calls
	NegotiateAvoidAccountDBRepl                              // avoids account database replication
	NegotiateAvoidSecurityDBRepl                             // avoids security authority replication
	NegotiateStrongKeys                                      // supports 128-bit session keys
	NegotiateTransitiveTrusts                                // supports transitive trusts
	NegotiateDNSDomainTrusts                                 // supports DNS domain trusts
	NegotiatePasswordSet2                                    // supports NetrServerPasswordSet2
	NegotiateGetDomainInfo                                   // supports NetrLogonGetDomainInfo
	NegotiateCrossForestTrusts                               // supports cross-forest trusts
	NegotiateNeutralizeNT4Emulation                          // ignores NT4 emulation on the peer
	NegotiateRODCPassthrough                                 // read-only replica pass-through to a writable peer
)

const (
	// NegotiateSupportsAES indicates support for AES session keys and
	// AES-CFB8 credential computation.
	NegotiateSupportsAES NegotiateFlag = 0x01000000
	// NegotiateAuthenticatedRPCLSASS indicates authenticated RPC to LSASS.
	NegotiateAuthenticatedRPCLSASS NegotiateFlag = 0x20000000
	// NegotiateAuthenticatedRPC indicates that authenticated RPC is required
	// on the established channel.
	NegotiateAuthenticatedRPC NegotiateFlag = 0x40000000
)

// NegotiateAuth2Flags is the legacy baseline capability set offered to peers
// that predate directory services.
const NegotiateAuth2Flags = NegotiateAccountLockout |
	NegotiatePersistentSAMRepl |
	NegotiateArcfour |
	NegotiatePromotionCount |
	NegotiateChangelogBDC |
	NegotiateFullSyncRepl |
	NegotiateMultipleSIDs |
	NegotiateRedo |
	NegotiatePasswordChangeRefusal

// NegotiateAuth2ADSFlags is the baseline capability set offered to directory
// service peers. It extends the legacy set with strong keys and the
// post-NT4 operational capabilities.
const NegotiateAuth2ADSFlags = NegotiateAuth2Flags |
	NegotiateStrongKeys |
	NegotiateTransitiveTrusts |
	NegotiateDNSDomainTrusts |
	NegotiatePasswordSet2 |
	NegotiateGetDomainInfo |
	NegotiateCrossForestTrusts |
	NegotiateNeutralizeNT4Emulation |
	NegotiateAuthenticatedRPC

// FlagList returns a slice of individual flags derived from the
// composite value f
func FlagList(f NegotiateFlag) (fl []NegotiateFlag) {
	t := NegotiateFlag(1)
	for i := 0; i < 32; i++ {
		if f&t != 0 {
			fl = append(fl, t)
		}

		t <<= 1
	}

	return
}

// FlagName returns a human-readable description of a negotiate flag value
func FlagName(f NegotiateFlag) string {
	switch f {
	case NegotiateAccountLockout:
		return "Account lockout"
	case NegotiatePersistentSAMRepl:
		return "Persistent SAM replication"
	case NegotiateArcfour:
		return "RC4 encryption"
	case NegotiatePromotionCount:
		return "Promotion count"
	case NegotiateChangelogBDC:
		return "BDC changelog"
	case NegotiateFullSyncRepl:
		return "Full sync replication"
	case NegotiateMultipleSIDs:
		return "Multiple SIDs"
	case NegotiateRedo:
		return "Database redo"
	case NegotiatePasswordChangeRefusal:
		return "Password change refusal"
	case NegotiateNetrLogonSendToSam:
		return "Send to SAM"
	case NegotiateGenericPassthrough:
		return "Generic pass-through"
	case NegotiateConcurrentRPC:
		return "Concurrent RPC"
	case NegotiateAvoidAccountDBRepl:
		return "Avoid account DB replication"
	case NegotiateAvoidSecurityDBRepl:
		return "Avoid security DB replication"
	case NegotiateStrongKeys:
		return "Strong keys"
	case NegotiateTransitiveTrusts:
		return "Transitive trusts"
	case NegotiateDNSDomainTrusts:
		return "DNS domain trusts"
	case NegotiatePasswordSet2:
		return "Password set 2"
	case NegotiateGetDomainInfo:
		return "Get domain info"
	case NegotiateCrossForestTrusts:
		return "Cross-forest trusts"
	case NegotiateNeutralizeNT4Emulation:
		return "Neutralize NT4 emulation"
	case NegotiateRODCPassthrough:
		return "RODC pass-through"
	case NegotiateSupportsAES:
		return "AES session keys"
	case NegotiateAuthenticatedRPCLSASS:
		return "Authenticated RPC to LSASS"
	case NegotiateAuthenticatedRPC:
		return "Authenticated RPC"
	}

	return "Unknown"
}

func (f NegotiateFlag) String() string {
	var names []string
	for _, flag := range FlagList(f) {
		names = append(names, FlagName(flag))
	}

	return strings.Join(names, ", ")
}

// Word returns the flag set formatted as the 32-bit wire word, the form used
// in diagnostics so operators can compare against peer-side logs.
func (f NegotiateFlag) Word() string {
	return fmt.Sprintf("0x%08X", uint32(f))
}
