package constants

import "time"

const (
	// ClientsChannel is the bus channel carrying membership events.
	ClientsChannel = "clients"
	// TransmissionChannel is the bus channel carrying message envelopes for cross-instance delivery.
	TransmissionChannel = "transmission"
	// DefaultPublishTimeout bounds a single bus publish.
	DefaultPublishTimeout = 2 * time.Second
	// DefaultSyncQueueSize is the number of membership events buffered before publish.
	DefaultSyncQueueSize = 1024
	// DefaultSyncFlushTimeout bounds the publishing of queued membership events on shutdown.
	DefaultSyncFlushTimeout = 5 * time.Second
	// TranscriptKeyPrefix prefixes the redis list holding an identity's transcript.
	TranscriptKeyPrefix = "signalrelay:transcript:"
	// RedisDialTimeout is the timeout for the Redis dialer.
	RedisDialTimeout = 10 * time.Second
	// RedisClientMaxRetries is the maximum number of retries for the Redis client.
	RedisClientMaxRetries = 10
	// RedisClientReadTimeout is the read timeout for the Redis client.
	RedisClientReadTimeout = 30 * time.Second
	// RedisClientWriteTimeout is the write timeout for the Redis client.
	RedisClientWriteTimeout = 30 * time.Second
	// RedisClientPoolTimeout is the pool timeout for the Redis client.
	RedisClientPoolTimeout = 30 * time.Second
	// RedisClientPoolSize is the pool size for the Redis client.
	RedisClientPoolSize = 20
	// RedisClientMinIdleConns is the minimum number of idle connections for the Redis client.
	RedisClientMinIdleConns = 10
)
