package treesrv

import (
	"fmt"
	"time"

	"github.com/ulule/limiter/v3"
)

const (
	defaultAddr      = "127.0.0.1:7070"
	defaultRateLimit = "200-S"
	defaultGrace     = 30 * time.Second
)

type Config struct {
	// Addr is the listen address of the HTTP server.
	Addr string
	// RateLimit is a ulule/limiter rate such as "200-S" applied to the REST API.
	// Empty disables rate limiting.
	RateLimit string
	// SessionGrace is how long a session outlives its socket.
	SessionGrace time.Duration
}

func (c *Config) setDefaults() {
	if c.Addr == "" {
		c.Addr = defaultAddr
	}
	if c.SessionGrace <= 0 {
		c.SessionGrace = defaultGrace
	}
}

func (c *Config) Validate() error {
	if c.RateLimit != "" {
		if _, err := limiter.NewRateFromFormatted(c.RateLimit); err != nil {
			return fmt.Errorf("invalid rate limit %q: %w", c.RateLimit, err)
		}
	}
	return nil
}

// DefaultConfig returns the settings used by "treemirror serve".
func DefaultConfig() *Config {
	return &Config{
		Addr:         defaultAddr,
		RateLimit:    defaultRateLimit,
		SessionGrace: defaultGrace,
	}
}
