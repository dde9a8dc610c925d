package netio

import "time"

// Config tunes dial behavior, mirroring the teacher's per-package
// Default...Config() convention (miror.DefaultTransportConfig) rather
// than a generic config framework.
type Config struct {
	// DialTimeout bounds outbound connection attempts.
	DialTimeout time.Duration
}

// DefaultConfig returns the Config cmd/coauthorctl uses for its dial
// timeout unless overridden by the --timeout flag.
func DefaultConfig() Config {
	return Config{
		DialTimeout: 10 * time.Second,
	}
}
