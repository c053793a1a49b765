// Package attrs defines telemetry attribute keys shared by the relay middlewares,
// so metrics, traces and logs describe routing with the same names.
package attrs

const (
	// AttrMessageType is the envelope kind (OFFER, ANSWER, ...).
	AttrMessageType = "message.type"
	// AttrPayloadLength is the size of the opaque payload in bytes.
	AttrPayloadLength = "payload.len"
	// AttrOutcome is the routing outcome: delivered, published, consumed or dropped.
	AttrOutcome = "route.outcome"
	// AttrHost identifies the relay process that handled the envelope.
	AttrHost = "relay.host"
	// AttrHasDestination tells whether the envelope named a destination.
	AttrHasDestination = "message.has_dst"
)
