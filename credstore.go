// SPDX-License-Identifier: Apache-2.0
package schannel

import (
	"unicode/utf16"

	"golang.org/x/crypto/md4" //nolint:staticcheck // mandated by the protocol
)

// ChannelType identifies the relationship of the local machine account to the
// authentication peer. Values are the same as the wire protocol
// ([MS-NRPC] § 2.2.1.3.6).
type ChannelType uint16

const (
	ChannelTypeNull        ChannelType = 0
	ChannelTypeWorkstation ChannelType = 2
	ChannelTypeDNSDomain   ChannelType = 3
	ChannelTypeDomain      ChannelType = 4
	ChannelTypeBDC         ChannelType = 6
	ChannelTypeRODC        ChannelType = 7
)

func (t ChannelType) String() string {
	switch t {
	case ChannelTypeNull:
		return "null"
	case ChannelTypeWorkstation:
		return "workstation"
	case ChannelTypeDNSDomain:
		return "dns-domain"
	case ChannelTypeDomain:
		return "domain"
	case ChannelTypeBDC:
		return "bdc"
	case ChannelTypeRODC:
		return "rodc"
	}
	return "unknown"
}

// CredentialStore supplies the local identity used to authenticate the secure
// channel. Implementations typically wrap a machine account database or a
// keytab-like secret store; the handshake only reads from it.
type CredentialStore interface {
	// AccountName returns the account name presented to the peer.
	AccountName() string

	// WorkstationName returns the local computer name presented to the peer.
	WorkstationName() string

	// LongTermSecret returns the long-term shared secret for the account,
	// usually the NT one-way function of the machine password. The handshake
	// never stores or logs the returned bytes.
	LongTermSecret() []byte

	// ChannelType returns the secure channel type for the account.
	ChannelType() ChannelType
}

// StaticCredentials is a CredentialStore holding fixed values. It is the
// common choice for callers that already hold the machine secret in memory.
type StaticCredentials struct {
	Account     string
	Workstation string
	Secret      []byte
	Type        ChannelType
}

func (c *StaticCredentials) AccountName() string     { return c.Account }
func (c *StaticCredentials) WorkstationName() string { return c.Workstation }
func (c *StaticCredentials) LongTermSecret() []byte  { return c.Secret }
func (c *StaticCredentials) ChannelType() ChannelType {
	if c.Type == ChannelTypeNull {
		return ChannelTypeWorkstation
	}
	return c.Type
}

// NTOWF computes the NT one-way function of a password: MD4 over the UTF-16LE
// encoding ([MS-NRPC] § 3.1.4.3.1). The result is the long-term secret a
// CredentialStore should return for password-based machine accounts.
func NTOWF(password string) []byte {
	units := utf16.Encode([]rune(password))
	buf := make([]byte, 0, len(units)*2)
	for _, u := range units {
		buf = append(buf, byte(u), byte(u>>8))
	}

	h := md4.New()
	h.Write(buf)
	return h.Sum(nil)
}
