package dalli

import (
	"net"
	"time"
)

// Config configures a Client. Only Servers is commonly required; every
// other field has a documented default applied by New.
type Config struct {
	// Servers is the server list, in any of the forms ParseServers
	// accepts: a comma-separated string, a []string, or nil to fall back
	// to MEMCACHE_SERVERS / 127.0.0.1:11211.
	Servers any

	// Namespace is prepended to every key before it reaches the wire,
	// joined with a ":" separator the library inserts itself (so
	// Namespace: "app" normalizes "foo" to "app:foo" — don't include a
	// trailing colon).
	Namespace string

	// Failover enables walking the ring to the next live server when the
	// one a key maps to is down. Defaults to true; set false to make a
	// down server a hard failure for every key it owns.
	Failover *bool

	// ExpiresIn is the default TTL used by Set/Add/Replace when the
	// caller doesn't override it per-call. Zero means "never expires".
	ExpiresIn time.Duration

	// Compress enables zlib compression of values at or above
	// CompressionMinSize. Off by default.
	Compress bool

	// CompressionMinSize is the byte threshold at or above which Compress
	// actually compresses a value. Defaults to 4096.
	CompressionMinSize int

	// Serializer marshals non-[]byte values. Defaults to gob.
	Serializer Serializer

	// Compressor implements Compress. Defaults to zlib.
	Compressor Compressor

	// CacheNils controls whether Fetch's loader-backed miss path stores
	// an explicit nil marker instead of not caching the miss at all.
	CacheNils bool

	// SocketTimeout bounds each read/write on a server connection,
	// including the overall deadline for a multi-get drain. Defaults to
	// 1 second.
	SocketTimeout time.Duration

	// SocketMaxFailures is how many consecutive failures trip a
	// server's down-timer. Defaults to 3.
	SocketMaxFailures uint32

	// DownRetryDelay is how long a tripped server's down-timer stays
	// open before a single probe request is allowed through. Defaults
	// to 30 seconds.
	DownRetryDelay time.Duration

	// DialTimeout bounds establishing a new connection. Defaults to 2
	// seconds.
	DialTimeout time.Duration

	// ValueMaxBytes rejects encoded values larger than this with
	// ValueTooLargeError. Zero selects the default of 1MiB, matching stock
	// memcached's item size limit; a negative value disables the check.
	ValueMaxBytes int

	// MaxConnsPerServer caps how many simultaneous connections one
	// server may have open. Defaults to 1 (the spec's single persistent
	// connection per server).
	MaxConnsPerServer int32

	// KeepAlive sets the TCP keepalive interval on dialed connections.
	// Defaults to 30 seconds; negative disables it.
	KeepAlive time.Duration

	// Logger receives Debug/Info/Warn/Error calls from the client and
	// its connections. Defaults to a no-op logger.
	Logger Logger
}

func boolPtr(b bool) *bool { return &b }

// resolvedConfig is Config with every default applied, used internally so
// the rest of the package never has to re-check for zero values.
type resolvedConfig struct {
	namespace          string
	failover           bool
	expiresIn          time.Duration
	compress           bool
	compressionMinSize int
	serializer         Serializer
	compressor         Compressor
	cacheNils          bool
	socketTimeout      time.Duration
	socketMaxFailures  uint32
	downRetryDelay     time.Duration
	valueMaxBytes      int
	maxConnsPerServer  int32
	logger             Logger
	dialer             *net.Dialer
}

func resolveConfig(cfg Config) resolvedConfig {
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 2 * time.Second
	}
	keepAlive := cfg.KeepAlive
	if keepAlive == 0 {
		keepAlive = 30 * time.Second
	}

	failover := true
	if cfg.Failover != nil {
		failover = *cfg.Failover
	}

	compressionMinSize := cfg.CompressionMinSize
	if compressionMinSize <= 0 {
		compressionMinSize = 4096
	}

	socketTimeout := cfg.SocketTimeout
	if socketTimeout <= 0 {
		socketTimeout = time.Second
	}

	socketMaxFailures := cfg.SocketMaxFailures
	if socketMaxFailures == 0 {
		socketMaxFailures = 3
	}

	downRetryDelay := cfg.DownRetryDelay
	if downRetryDelay <= 0 {
		downRetryDelay = 30 * time.Second
	}

	valueMaxBytes := cfg.ValueMaxBytes
	if valueMaxBytes == 0 {
		valueMaxBytes = 1 << 20
	}

	maxConnsPerServer := cfg.MaxConnsPerServer
	if maxConnsPerServer <= 0 {
		maxConnsPerServer = 1
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noopLogger{}
	}

	// net.Dialer treats a negative KeepAlive as "disabled" and zero as
	// "use the OS default", so the resolved value is passed through as-is.
	dialer := &net.Dialer{Timeout: dialTimeout, KeepAlive: keepAlive}

	return resolvedConfig{
		namespace:          cfg.Namespace,
		failover:           failover,
		expiresIn:          cfg.ExpiresIn,
		compress:           cfg.Compress,
		compressionMinSize: compressionMinSize,
		serializer:         cfg.Serializer,
		compressor:         cfg.Compressor,
		cacheNils:          cfg.CacheNils,
		socketTimeout:      socketTimeout,
		socketMaxFailures:  socketMaxFailures,
		downRetryDelay:     downRetryDelay,
		valueMaxBytes:      valueMaxBytes,
		maxConnsPerServer:  maxConnsPerServer,
		logger:             logger,
		dialer:             dialer,
	}
}
