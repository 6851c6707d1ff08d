// Package errs defines the error-kind taxonomy the engine surfaces to
// callers. Each kind is a sentinel; call sites distinguish them with
// errors.Is/errors.As rather than string matching.
package errs

import "errors"

var (
	// ErrTransport covers socket bind failures, datagram send failures, and
	// proxy handshake rejections.
	ErrTransport = errors.New("transport error")

	// ErrPacketDecode covers truncated headers, unknown message IDs, and
	// malformed zerocoding. Decode errors at the receive loop are logged
	// and dropped, not propagated to a caller.
	ErrPacketDecode = errors.New("packet decode error")

	// ErrPacketEncode covers oversize variable fields and invalid template
	// referents.
	ErrPacketEncode = errors.New("packet encode error")

	// ErrAuthenticationFailed covers a rejected login, a malformed login
	// response, or a TOS-challenge response.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrCapabilityUnavailable covers a failed seed POST or a requested
	// capability the seed response did not return.
	ErrCapabilityUnavailable = errors.New("capability unavailable")

	// ErrReliableDeliveryFailed covers a reliable send that exhausted its
	// retransmit budget without an ACK.
	ErrReliableDeliveryFailed = errors.New("reliable delivery failed")

	// ErrHandshakeTimeout covers an awaited RegionHandshake or
	// AgentMovementComplete that never arrived.
	ErrHandshakeTimeout = errors.New("handshake timeout")

	// ErrCircuitNotFound covers an operation referencing a non-existent
	// circuit.
	ErrCircuitNotFound = errors.New("circuit not found")

	// ErrHandoverFailed covers a region-crossing state machine entering
	// Failed.
	ErrHandoverFailed = errors.New("handover failed")

	// ErrTimeout is the generic deadline-expiry error kind.
	ErrTimeout = errors.New("operation timed out")

	// ErrInvalidTransition is a programmer error: the handover or circuit
	// state machine was asked to make a transition not present in its table.
	// Per the engine's design notes this must surface as a hard failure,
	// not be swallowed.
	ErrInvalidTransition = errors.New("invalid state transition")
)
