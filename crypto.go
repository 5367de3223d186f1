// SPDX-License-Identifier: Apache-2.0
package schannel

import (
	"crypto/aes"
	"crypto/des" //nolint:staticcheck // mandated by the protocol
	"crypto/hmac"
	"crypto/md5" //nolint:staticcheck // mandated by the protocol
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

const (
	// ChallengeSize is the size of the random challenges exchanged during
	// the handshake.
	ChallengeSize = 8
	// SessionKeySize is the size of the derived session key.
	SessionKeySize = 16
	// CredentialSize is the size of a computed credential value.
	CredentialSize = 8
)

// Challenge is a fixed-size random block generated by each side of the
// handshake.
type Challenge [ChallengeSize]byte

// SessionKey is the shared secret derived from the long-term secret and the
// two challenges. Legacy DES-class keys occupy the first 8 bytes with the
// remainder zero.
type SessionKey [SessionKeySize]byte

// Credential is an 8-byte proof of session key possession, used both for the
// initial challenge/response and as the rolling per-call authenticator value.
type Credential [CredentialSize]byte

// CryptoProvider supplies the cryptographic primitives behind the handshake.
// The derivation and credential algorithms are selected by the capability
// flags in effect for the attempt ([MS-NRPC] § 3.1.4.3 and § 3.1.4.4).
type CryptoProvider interface {
	// RandomBytes fills and returns n bytes from a cryptographically strong
	// source.
	RandomBytes(n int) ([]byte, error)

	// DeriveSessionKey derives the session key from the long-term secret and
	// the two challenges. The result is deterministic for fixed inputs.
	DeriveSessionKey(secret []byte, client, server Challenge, flags NegotiateFlag) (SessionKey, error)

	// ComputeCredential computes the 8-byte credential for input under key.
	ComputeCredential(key SessionKey, input [8]byte, flags NegotiateFlag) (Credential, error)

	// VerifyCredential compares a computed credential with one received from
	// the peer in constant time.
	VerifyCredential(key SessionKey, expected, received Credential) bool
}

// NewCrypto returns the default CryptoProvider backed by the platform's
// cryptographically secure random source.
func NewCrypto() CryptoProvider {
	return &stdCrypto{rand: rand.Reader}
}

type stdCrypto struct {
	rand io.Reader
}

func (c *stdCrypto) RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(c.rand, b); err != nil {
		return nil, errors.Wrap(err, "schannel: reading random bytes")
	}
	return b, nil
}

func (c *stdCrypto) DeriveSessionKey(secret []byte, client, server Challenge, flags NegotiateFlag) (key SessionKey, err error) {
	if len(secret) < SessionKeySize {
		return key, ErrNoLongTermSecret
	}

	switch {
	case flags&NegotiateSupportsAES != 0:
		// [MS-NRPC] § 3.1.4.3.1: HMAC-SHA256 over both challenges, keyed by
		// the long-term secret, truncated to the key size.
		m := hmac.New(sha256.New, secret)
		m.Write(client[:])
		m.Write(server[:])
		copy(key[:], m.Sum(nil)[:SessionKeySize])

	case flags&NegotiateStrongKeys != 0:
		// [MS-NRPC] § 3.1.4.3.2: MD5 over a zero word and both challenges,
		// then HMAC-MD5 keyed by the long-term secret.
		var zero [4]byte
		d := md5.New()
		d.Write(zero[:])
		d.Write(client[:])
		d.Write(server[:])
		m := hmac.New(md5.New, secret)
		m.Write(d.Sum(nil))
		copy(key[:], m.Sum(nil)[:SessionKeySize])

	default:
		// [MS-NRPC] § 3.1.4.3.3: DES over the 32-bit little-endian sums of
		// the challenge halves. The upper half of the key stays zero.
		var sum [8]byte
		binary.LittleEndian.PutUint32(sum[0:4],
			binary.LittleEndian.Uint32(client[0:4])+binary.LittleEndian.Uint32(server[0:4]))
		binary.LittleEndian.PutUint32(sum[4:8],
			binary.LittleEndian.Uint32(client[4:8])+binary.LittleEndian.Uint32(server[4:8]))

		out, derr := desEncrypt(secret[0:7], sum[:])
		if derr != nil {
			return key, derr
		}
		out, derr = desEncrypt(secret[9:16], out)
		if derr != nil {
			return key, derr
		}
		copy(key[0:8], out)
	}

	return key, nil
}

func (c *stdCrypto) ComputeCredential(key SessionKey, input [8]byte, flags NegotiateFlag) (cred Credential, err error) {
	if flags&NegotiateSupportsAES != 0 {
		// AES-128-CFB8 with a zero IV ([MS-NRPC] § 3.1.4.4.1).
		block, berr := aes.NewCipher(key[:])
		if berr != nil {
			return cred, errors.Wrap(berr, "schannel: initialising AES credential cipher")
		}
		var iv [aes.BlockSize]byte
		var buf [aes.BlockSize]byte
		for i := 0; i < CredentialSize; i++ {
			block.Encrypt(buf[:], iv[:])
			cred[i] = input[i] ^ buf[0]
			copy(iv[:], iv[1:])
			iv[aes.BlockSize-1] = cred[i]
		}
		return cred, nil
	}

	// Double DES with the 112-bit key taken from the session key
	// ([MS-NRPC] § 3.1.4.4.2).
	out, err := desEncrypt(key[0:7], input[:])
	if err != nil {
		return cred, err
	}
	out, err = desEncrypt(key[7:14], out)
	if err != nil {
		return cred, err
	}
	copy(cred[:], out)
	return cred, nil
}

func (c *stdCrypto) VerifyCredential(key SessionKey, expected, received Credential) bool {
	return hmac.Equal(expected[:], received[:])
}

// desEncrypt encrypts one block under a 56-bit key expanded to the 64-bit
// form DES expects.
func desEncrypt(key7, block []byte) ([]byte, error) {
	cipher, err := des.NewCipher(expandDESKey(key7))
	if err != nil {
		return nil, errors.Wrap(err, "schannel: initialising DES credential cipher")
	}
	out := make([]byte, des.BlockSize)
	cipher.Encrypt(out, block)
	return out, nil
}

// expandDESKey spreads 7 key bytes over 8, leaving the low bit of each output
// byte for parity ([MS-NRPC] § 2.2.1.3.4 InitLMKey).
func expandDESKey(in []byte) []byte {
	out := []byte{
		in[0] >> 1,
		(in[0]&0x01)<<6 | in[1]>>2,
		(in[1]&0x03)<<5 | in[2]>>3,
		(in[2]&0x07)<<4 | in[3]>>4,
		(in[3]&0x0F)<<3 | in[4]>>5,
		(in[4]&0x1F)<<2 | in[5]>>6,
		(in[5]&0x3F)<<1 | in[6]>>7,
		in[6] & 0x7F,
	}
	for i := range out {
		out[i] <<= 1
	}
	return out
}
