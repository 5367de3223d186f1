// SPDX-License-Identifier: Apache-2.0
package schannel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Peer capability profiles used across the scenario tests.
const (
	peerCapsAES    = NegotiateAuth2ADSFlags | NegotiateSupportsAES
	peerCapsStrong = NegotiateAuth2ADSFlags
	peerCapsLegacy = NegotiateAuth2Flags | NegotiateAuthenticatedRPC
)

func testPeer(caps NegotiateFlag) *LoopbackPeer {
	return NewLoopbackPeer("dc01", caps, NTOWF("hunter2"))
}

// establishAgainst runs a full handshake against peer and returns the
// outcome. The primary connection is left open for post-establish calls.
func establishAgainst(t *testing.T, peer *LoopbackPeer, class ChannelClass, pol Policy) (*CredentialChain, error) {
	t.Helper()

	transport := &LoopbackChannel{Peer: peer}
	store := &StaticCredentials{
		Account:     "WKSTN$",
		Workstation: "WKSTN",
		Secret:      NTOWF("hunter2"),
		Type:        ChannelTypeWorkstation,
	}
	client := New(transport, store,
		WithClock(func() time.Time { return time.Unix(1700000000, 0) }))

	primary, err := transport.OpenConnection(context.Background(), Binding{Host: peer.Host})
	require.NoError(t, err)
	t.Cleanup(func() { primary.Close() })

	return client.Establish(context.Background(), primary, LogonInterface, class, pol)
}

func TestEstablishEndToEnd(t *testing.T) {
	peer := testPeer(peerCapsAES)

	chain, err := establishAgainst(t, peer, ChannelAuto, Policy{})
	require.NoError(t, err)
	defer chain.Release()

	plan := Negotiate(ChannelAuto, Policy{}, ChannelTypeWorkstation)
	assert.Equal(t, plan.Requested, chain.NegotiatedFlags(),
		"a cooperative peer negotiates exactly the requested set")
	assert.Equal(t, 1, peer.AuthAttempts)

	// The returned chain must keep producing authenticators the peer
	// accepts, in lockstep with the peer-side state left by verification.
	for i := 0; i < 3; i++ {
		auth, err := chain.NextAuthenticator()
		require.NoError(t, err)
		ret, ok := peer.checkAuthenticator(auth)
		require.True(t, ok, "peer rejected authenticator %d", i)
		assert.True(t, chain.VerifyResponse(ret))
	}
}

func TestEstablishExplicitAESClass(t *testing.T) {
	peer := testPeer(peerCapsAES)

	chain, err := establishAgainst(t, peer, ChannelAES, Policy{})
	require.NoError(t, err)
	defer chain.Release()

	assert.NotZero(t, chain.NegotiatedFlags()&NegotiateSupportsAES)
}

func TestEstablishDowngradeRetry(t *testing.T) {
	// A strong-key-only peer computes its proof with the strong-key tier
	// while the auto client first offers AES: the first attempt fails with
	// access denied and the single retry re-keys at the peer's ceiling. The
	// peer still implements the capability query, though, and a peer that
	// answers it after stripping AES from an AES request is exactly what the
	// post-bind cross-check refuses.
	peer := testPeer(peerCapsStrong)

	_, err := establishAgainst(t, peer, ChannelAuto, Policy{})
	require.ErrorIs(t, err, ErrDowngradeDetected)

	var dg *DowngradeError
	require.ErrorAs(t, err, &dg)
	assert.Equal(t, "negotiated capability query", dg.Stage)

	// The retry itself still ran, with fresh challenge material.
	assert.Equal(t, 2, peer.AuthAttempts)
	require.Len(t, peer.ChallengesSeen, 2)
	assert.NotEqual(t, peer.ChallengesSeen[0], peer.ChallengesSeen[1])
}

func TestEstablishRetryAtLegacyCeiling(t *testing.T) {
	// A genuine legacy peer: DES-tier ceiling, no capability query. The
	// single retry lands on its ceiling and the control probe admits it.
	peer := testPeer(peerCapsLegacy)
	peer.WithoutCapabilityQuery = true

	chain, err := establishAgainst(t, peer, ChannelAuto, Policy{})
	require.NoError(t, err)
	defer chain.Release()

	assert.Equal(t, 2, peer.AuthAttempts)
	assert.Zero(t, chain.NegotiatedFlags()&(NegotiateSupportsAES|NegotiateStrongKeys))

	// Fresh challenge material on the retry.
	require.Len(t, peer.ChallengesSeen, 2)
	assert.NotEqual(t, peer.ChallengesSeen[0], peer.ChallengesSeen[1])

	// The chain stays usable on the channel after the probe fallback.
	auth, err := chain.NextAuthenticator()
	require.NoError(t, err)
	ret, ok := peer.checkAuthenticator(auth)
	require.True(t, ok)
	assert.True(t, chain.VerifyResponse(ret))
}

func TestEstablishDowngradeMonotonicity(t *testing.T) {
	// Strong keys required, peer has neither strong keys nor AES.
	peer := testPeer(peerCapsLegacy)

	_, err := establishAgainst(t, peer, Channel128, Policy{})
	assert.ErrorIs(t, err, ErrDowngradeDetected)

	peer = testPeer(peerCapsLegacy)
	_, err = establishAgainst(t, peer, ChannelAuto, Policy{RequireStrongKey: true})
	assert.ErrorIs(t, err, ErrDowngradeDetected)
}

func TestEstablishAESSupersession(t *testing.T) {
	// The peer offers AES but not the RC4/strong-key bits the policy put in
	// the required set. AES satisfies that requirement transitively.
	peer := testPeer(NegotiateSupportsAES | NegotiateAuthenticatedRPC | NegotiateTransitiveTrusts)

	chain, err := establishAgainst(t, peer, ChannelAuto, Policy{RequireStrongKey: true})
	require.NoError(t, err)
	defer chain.Release()

	assert.NotZero(t, chain.NegotiatedFlags()&NegotiateSupportsAES)
	assert.Zero(t, chain.NegotiatedFlags()&NegotiateStrongKeys)
}

func TestEstablishAtMostOneRetry(t *testing.T) {
	peer := testPeer(peerCapsStrong)
	peer.AlwaysDeny = true

	_, err := establishAgainst(t, peer, ChannelAuto, Policy{})
	require.ErrorIs(t, err, ErrAuthenticationDenied)

	var denied *DeniedError
	require.ErrorAs(t, err, &denied)
	assert.True(t, denied.Retried)
	assert.Equal(t, 2, peer.AuthAttempts, "exactly one retry, never a loop")
}

func TestEstablishNoRetryWithoutFlagChange(t *testing.T) {
	// The peer denies but reports the very capabilities we offered: there is
	// nothing to downgrade to, so no retry happens even for the auto class.
	peer := testPeer(peerCapsAES)
	peer.AlwaysDeny = true

	_, err := establishAgainst(t, peer, ChannelAuto, Policy{})
	require.ErrorIs(t, err, ErrAuthenticationDenied)
	assert.Equal(t, 1, peer.AuthAttempts)
}

func TestEstablishNoRetryForExplicitClass(t *testing.T) {
	peer := testPeer(peerCapsStrong)
	peer.AlwaysDeny = true

	_, err := establishAgainst(t, peer, Channel128, Policy{})
	require.ErrorIs(t, err, ErrAuthenticationDenied)
	assert.Equal(t, 1, peer.AuthAttempts)
}

func TestEstablishRejectsTamperedProof(t *testing.T) {
	peer := testPeer(peerCapsAES)
	peer.TamperProof = true

	_, err := establishAgainst(t, peer, ChannelAuto, Policy{})
	assert.ErrorIs(t, err, ErrCredentialVerification)
}

func TestEstablishWrongSecret(t *testing.T) {
	// Peer holds a different machine password: the first credential cannot
	// verify and the denial is not retryable (the flags match exactly).
	peer := NewLoopbackPeer("dc01", peerCapsAES, NTOWF("other"))

	_, err := establishAgainst(t, peer, ChannelAuto, Policy{})
	assert.ErrorIs(t, err, ErrAuthenticationDenied)
}

func TestEstablishCancelledContext(t *testing.T) {
	peer := testPeer(peerCapsAES)
	transport := &LoopbackChannel{Peer: peer}
	store := &StaticCredentials{
		Account:     "WKSTN$",
		Workstation: "WKSTN",
		Secret:      NTOWF("hunter2"),
	}
	client := New(transport, store)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	primary, err := transport.OpenConnection(context.Background(), Binding{Host: peer.Host})
	require.NoError(t, err)
	defer primary.Close()

	_, err = client.Establish(ctx, primary, LogonInterface, ChannelAuto, Policy{})
	assert.Error(t, err)
}

func TestEstablishLegacyClass(t *testing.T) {
	peer := testPeer(peerCapsLegacy)

	chain, err := establishAgainst(t, peer, ChannelLegacy, Policy{})
	require.NoError(t, err)
	defer chain.Release()

	assert.Zero(t, chain.NegotiatedFlags()&NegotiateStrongKeys)
	assert.Equal(t, 1, peer.AuthAttempts)
}
