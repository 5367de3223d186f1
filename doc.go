// SPDX-License-Identifier: Apache-2.0

/*
Package schannel implements the client side of the netlogon secure channel
establishment protocol as described in [MS-NRPC] § 3.1: negotiation of
cryptographic capabilities, the challenge/response key exchange, derivation of
the shared session key, and the rolling credential chain used to authenticate
subsequent calls on the channel.

The package deliberately defends the negotiation against downgrade attacks.
After the key exchange it cross-checks the negotiated capabilities with the
peer ([MS-NRPC] § 3.4.5.2.2, NetrLogonGetCapabilities) and falls back to a
bounded control probe for peers that predate the capability query.

The package does not implement an RPC transport. Callers supply an RpcChannel
capability that performs endpoint resolution, connection establishment and
call dispatch; the wire encoding of the request and response shapes defined
here is the transport's concern.

[MS-NRPC]: https://learn.microsoft.com/en-us/openspecs/windows_protocols/ms-nrpc
*/
package schannel
