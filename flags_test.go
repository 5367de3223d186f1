// SPDX-License-Identifier: Apache-2.0
package schannel

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFlagList(t *testing.T) {
	flags := NegotiateSupportsAES | NegotiateStrongKeys | NegotiateAuthenticatedRPC
	flaglist := FlagList(flags)

	assert.ElementsMatch(t, []NegotiateFlag{NegotiateSupportsAES, NegotiateStrongKeys, NegotiateAuthenticatedRPC}, flaglist)
}

func TestFlagName(t *testing.T) {
	assert.Equal(t, "Strong keys", FlagName(NegotiateStrongKeys))
	assert.Equal(t, "AES session keys", FlagName(NegotiateSupportsAES))
	assert.Equal(t, "RODC pass-through", FlagName(NegotiateRODCPassthrough))
}

func TestFlagString(t *testing.T) {
	flags := NegotiateSupportsAES | NegotiateStrongKeys | NegotiateArcfour
	str := flags.String()

	assert.Contains(t, str, "AES")
	assert.Contains(t, str, "Strong keys")
	assert.Contains(t, str, "RC4")
	assert.NotContains(t, str, "RODC")
}

func TestFlagWord(t *testing.T) {
	assert.Equal(t, "0x01000000", NegotiateSupportsAES.Word())
	assert.Equal(t, "0x00004000", NegotiateStrongKeys.Word())
}

func TestBaselineSets(t *testing.T) {
	// The directory-services baseline extends the legacy one.
	assert.Equal(t, NegotiateAuth2Flags, NegotiateAuth2ADSFlags&NegotiateAuth2Flags)
	assert.NotZero(t, NegotiateAuth2ADSFlags&NegotiateStrongKeys)
	assert.Zero(t, NegotiateAuth2Flags&NegotiateStrongKeys)
	assert.Zero(t, NegotiateAuth2ADSFlags&NegotiateSupportsAES)
}
