// Package constants defines default configuration values and wire constants
// for the signalrelay system. It provides the handshake path, the shared key,
// connection limits, liveness timeouts and the bus channel names.
package constants

import "time"

const (
	// DefaultPath is the default listening prefix. The websocket endpoint is mounted at
	// DefaultPath + WSPath.
	DefaultPath = "/"
	// WSPath is the fixed suffix of the websocket endpoint.
	WSPath = "peerjs"
	// DefaultKey is the default shared key clients must present in the handshake.
	DefaultKey = "peerjs"
	// DefaultConcurrentLimit is the default ceiling of concurrently registered local connections.
	DefaultConcurrentLimit = 5000
	// DefaultAliveTimeout is how long a client may stay silent (no heartbeat) before the
	// liveness sweep unbinds it.
	DefaultAliveTimeout = 60 * time.Second
	// DefaultExpireTimeout is the interval of the liveness sweep.
	DefaultExpireTimeout = 5 * time.Second
	// DefaultPort is the default websocket listening port.
	DefaultPort = 9000
	// DefaultIngressPort is the default port of the out-of-band HTTP ingress.
	DefaultIngressPort = 9001
	// DefaultSendQueueSize is the number of outbound frames buffered per connection.
	DefaultSendQueueSize = 64
	// DefaultWriteTimeout bounds a single websocket write.
	DefaultWriteTimeout = 10 * time.Second
	// DefaultMaxMessageSize is the largest inbound websocket frame accepted.
	DefaultMaxMessageSize = 64 << 10
	// DefaultAuditTimeout bounds a single transcript write.
	DefaultAuditTimeout = 2 * time.Second
	// DefaultAuditWorkers is the number of concurrent transcript writers.
	DefaultAuditWorkers = 4
	// DefaultAuditQueueSize is the number of transcript lines buffered per writer.
	DefaultAuditQueueSize = 256
)
