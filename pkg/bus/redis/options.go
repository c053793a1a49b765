package redis

import (
	"crypto/tls"
	"time"

	"github.com/redis/go-redis/v9"
)

// Option adjusts the client settings before the bus connects.
type Option func(*redis.Options)

// ApplyOptions applies options to opt in order.
func ApplyOptions(opt *redis.Options, options ...Option) {
	for _, option := range options {
		option(opt)
	}
}

// WithAddr sets the server address.
func WithAddr(addr string) Option {
	return func(opt *redis.Options) {
		opt.Addr = addr
	}
}

// WithCredentials sets the ACL user and password. An empty username authenticates
// with the password only.
func WithCredentials(username, password string) Option {
	return func(opt *redis.Options) {
		opt.Username = username
		opt.Password = password
	}
}

// WithDB selects the logical database. PUBLISH/SUBSCRIBE ignores it; transcripts do not.
func WithDB(db int) Option {
	return func(opt *redis.Options) {
		opt.DB = db
	}
}

// WithTimeouts overrides the dial, read and write timeouts. Zero keeps the current value.
// A subscription waiting for messages is not bound by the read timeout.
func WithTimeouts(dial, read, write time.Duration) Option {
	return func(opt *redis.Options) {
		if dial > 0 {
			opt.DialTimeout = dial
		}

		if read > 0 {
			opt.ReadTimeout = read
		}

		if write > 0 {
			opt.WriteTimeout = write
		}
	}
}

// WithPool sizes the connection pool. Every subscription holds a connection of its own
// outside the pool. Non-positive values keep the current ones.
func WithPool(size, minIdle int) Option {
	return func(opt *redis.Options) {
		if size > 0 {
			opt.PoolSize = size
		}

		if minIdle > 0 {
			opt.MinIdleConns = minIdle
		}
	}
}

// WithMaxRetries sets how often a failed command is retried; -1 disables retries.
func WithMaxRetries(n int) Option {
	return func(opt *redis.Options) {
		if n != 0 {
			opt.MaxRetries = n
		}
	}
}

// WithTLS connects over TLS. serverName overrides the name checked against the
// certificate; empty uses the host of the address.
func WithTLS(serverName string) Option {
	return func(opt *redis.Options) {
		opt.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			ServerName: serverName,
		}
	}
}
