// SPDX-License-Identifier: Apache-2.0
package schannel

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testChallenges() (c, s Challenge) {
	copy(c[:], []byte{1, 2, 3, 4, 5, 6, 7, 8})
	copy(s[:], []byte{9, 10, 11, 12, 13, 14, 15, 16})
	return
}

func TestNTOWF(t *testing.T) {
	// Canonical NT hash of "password".
	want, _ := hex.DecodeString("8846f7eaee8fb117ad06bdd830b7586c")
	assert.Equal(t, want, NTOWF("password"))
	assert.Len(t, NTOWF(""), 16)
}

func TestDeriveSessionKeyDeterministic(t *testing.T) {
	crypto := NewCrypto()
	secret := NTOWF("hunter2")
	cc, sc := testChallenges()

	for _, flags := range []NegotiateFlag{
		NegotiateSupportsAES,
		NegotiateStrongKeys,
		0, // DES tier
	} {
		k1, err := crypto.DeriveSessionKey(secret, cc, sc, flags)
		require.NoError(t, err)
		k2, err := crypto.DeriveSessionKey(secret, cc, sc, flags)
		require.NoError(t, err)
		assert.Equal(t, k1, k2, "derivation must be deterministic for %s", flags.Word())
	}
}

func TestDeriveSessionKeyTiers(t *testing.T) {
	crypto := NewCrypto()
	secret := NTOWF("hunter2")
	cc, sc := testChallenges()

	aes, err := crypto.DeriveSessionKey(secret, cc, sc, NegotiateSupportsAES)
	require.NoError(t, err)
	strong, err := crypto.DeriveSessionKey(secret, cc, sc, NegotiateStrongKeys)
	require.NoError(t, err)
	legacy, err := crypto.DeriveSessionKey(secret, cc, sc, 0)
	require.NoError(t, err)

	assert.NotEqual(t, aes, strong)
	assert.NotEqual(t, strong, legacy)
	assert.NotEqual(t, aes, legacy)

	// The legacy DES key only occupies the first half.
	assert.Equal(t, make([]byte, 8), legacy[8:], "legacy key upper half must be zero")
	assert.NotEqual(t, make([]byte, 8), legacy[:8])

	// AES selection wins when both bits are present.
	both, err := crypto.DeriveSessionKey(secret, cc, sc, NegotiateSupportsAES|NegotiateStrongKeys)
	require.NoError(t, err)
	assert.Equal(t, aes, both)
}

func TestDeriveSessionKeyChallengeSensitivity(t *testing.T) {
	crypto := NewCrypto()
	secret := NTOWF("hunter2")
	cc, sc := testChallenges()

	base, err := crypto.DeriveSessionKey(secret, cc, sc, NegotiateSupportsAES)
	require.NoError(t, err)

	cc2 := cc
	cc2[0] ^= 0xFF
	other, err := crypto.DeriveSessionKey(secret, cc2, sc, NegotiateSupportsAES)
	require.NoError(t, err)
	assert.NotEqual(t, base, other)
}

func TestDeriveSessionKeyShortSecret(t *testing.T) {
	crypto := NewCrypto()
	cc, sc := testChallenges()

	_, err := crypto.DeriveSessionKey([]byte("short"), cc, sc, NegotiateSupportsAES)
	assert.ErrorIs(t, err, ErrNoLongTermSecret)
}

func TestComputeCredential(t *testing.T) {
	crypto := NewCrypto()
	secret := NTOWF("hunter2")
	cc, sc := testChallenges()

	for _, flags := range []NegotiateFlag{NegotiateSupportsAES, NegotiateStrongKeys, 0} {
		key, err := crypto.DeriveSessionKey(secret, cc, sc, flags)
		require.NoError(t, err)

		c1, err := crypto.ComputeCredential(key, cc, flags)
		require.NoError(t, err)
		c2, err := crypto.ComputeCredential(key, cc, flags)
		require.NoError(t, err)
		assert.Equal(t, c1, c2, "credential must be deterministic for %s", flags.Word())

		other, err := crypto.ComputeCredential(key, sc, flags)
		require.NoError(t, err)
		assert.NotEqual(t, c1, other, "distinct inputs must yield distinct credentials")

		assert.True(t, crypto.VerifyCredential(key, c1, c2))
		assert.False(t, crypto.VerifyCredential(key, c1, other))
	}
}

func TestRandomBytes(t *testing.T) {
	crypto := NewCrypto()

	a, err := crypto.RandomBytes(ChallengeSize)
	require.NoError(t, err)
	b, err := crypto.RandomBytes(ChallengeSize)
	require.NoError(t, err)

	assert.Len(t, a, ChallengeSize)
	assert.NotEqual(t, a, b)
}

func TestExpandDESKey(t *testing.T) {
	key := expandDESKey([]byte{1, 2, 3, 4, 5, 6, 7})
	require.Len(t, key, 8)
	for i, b := range key {
		assert.Zero(t, b&0x01, "byte %d must leave the parity bit clear", i)
	}
}
