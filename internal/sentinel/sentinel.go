// Package sentinel provides standardized error definitions for the signalrelay system.
// This package centralizes the error values shared by the registry, the router, the
// membership sync and the connection lifecycle, so that callers can classify failures
// with errors.Is regardless of how many times they were wrapped.
//
// The errors fall into the following groups:
//   - Protocol errors: missing or invalid handshake parameters, wrong shared key
//   - Authentication conflicts: an identity already bound to another token
//   - Capacity errors: the admission ceiling was reached
//   - Message errors: malformed or incomplete envelopes
//   - Transport and bus errors: socket failures, unreachable pub/sub bus
//
// All errors are created using the ewrap package to provide enhanced error
// wrapping and context capabilities.
package sentinel

import (
	"github.com/hyp3rd/ewrap"
)

var (
	// ErrInvalidParameters is returned when the handshake lacks the id, token or key parameter.
	ErrInvalidParameters = ewrap.New("invalid websocket parameters")

	// ErrInvalidKey is returned when the handshake key does not match the configured shared key.
	ErrInvalidKey = ewrap.New("invalid key")

	// ErrIDTaken is returned when an identity is already bound to a different token.
	ErrIDTaken = ewrap.New("id is taken")

	// ErrInvalidToken is returned by the ingress when the token does not match the registered one.
	ErrInvalidToken = ewrap.New("invalid token")

	// ErrConnectionLimit is returned when the local connection ceiling has been reached.
	ErrConnectionLimit = ewrap.New("connection limit exceeded")

	// ErrMalformedMessage is returned when an inbound frame cannot be decoded into an envelope.
	ErrMalformedMessage = ewrap.New("malformed message")

	// ErrUnknownMessageType is returned when an envelope carries a type outside the known set.
	ErrUnknownMessageType = ewrap.New("unknown message type")

	// ErrMissingDestination is returned when a routable envelope has no destination.
	ErrMissingDestination = ewrap.New("missing destination")

	// ErrClientNotFound is returned when an identity is not present in the registry.
	ErrClientNotFound = ewrap.New("client not found")

	// ErrNoConnection is returned when a record carries no live connection handle.
	ErrNoConnection = ewrap.New("client has no live connection")

	// ErrTransport is returned when the underlying socket fails.
	ErrTransport = ewrap.New("transport failure")

	// ErrSendQueueFull is returned when a connection's outbound queue is saturated.
	ErrSendQueueFull = ewrap.New("send queue full")

	// ErrConnectionClosed is returned when sending on a connection that was already closed.
	ErrConnectionClosed = ewrap.New("connection closed")

	// ErrBusUnavailable is returned when the pub/sub bus cannot be reached.
	ErrBusUnavailable = ewrap.New("bus unavailable")

	// ErrBusClosed is returned when publishing or subscribing on a closed bus.
	ErrBusClosed = ewrap.New("bus closed")

	// ErrNilClient is returned when a nil client is passed to a component that requires one.
	ErrNilClient = ewrap.New("nil client")

	// ErrParamCannotBeEmpty is returned when a parameter cannot be empty.
	ErrParamCannotBeEmpty = ewrap.New("param cannot be empty")

	// ErrSerializerNotFound is returned when a serializer is not found.
	ErrSerializerNotFound = ewrap.New("serializer not found")

	// ErrInvalidCeiling is returned when a negative connection ceiling is configured.
	ErrInvalidCeiling = ewrap.New("connection ceiling cannot be negative")

	// ErrTranscriptQueueFull is returned when an audit line is dropped because its writer is saturated.
	ErrTranscriptQueueFull = ewrap.New("transcript queue full")

	// ErrTranscriptClosed is returned when recording on a closed transcript writer.
	ErrTranscriptClosed = ewrap.New("transcript closed")

	// ErrIngressShutdownTimeout is returned when the ingress HTTP server fails to shutdown before context deadline.
	ErrIngressShutdownTimeout = ewrap.New("ingress http shutdown timeout")
)
