package action

import (
	"math"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

// Defaults holds process-wide fallback settings applied before an Action's
// own .SetConcurrency/.SetRateLimit/.SetTimeout options: env overrides
// baked-in defaults, and an explicit call overrides env.
type Defaults struct {
	Concurrency int
	RateLimit   float64
	Timeout     time.Duration // 0 means "no default timeout"
}

var (
	defaultsMu sync.Mutex
	defaults   = Defaults{Concurrency: 1, RateLimit: math.Inf(1)}
)

// SetDefaults installs process-wide defaults explicitly, bypassing the
// environment.
func SetDefaults(d Defaults) {
	defaultsMu.Lock()
	defer defaultsMu.Unlock()
	if d.Concurrency <= 0 {
		d.Concurrency = 1
	}
	if d.RateLimit <= 0 {
		d.RateLimit = math.Inf(1)
	}
	defaults = d
}

func currentDefaults() Defaults {
	defaultsMu.Lock()
	defer defaultsMu.Unlock()
	return defaults
}

// LoadEnvDefaults loads a .env file if present (ignoring a missing one) and
// then reads ACTIONENGINE_DEFAULT_CONCURRENCY, ACTIONENGINE_DEFAULT_RATE_LIMIT,
// and ACTIONENGINE_DEFAULT_TIMEOUT_MS, applying any that parse into the
// process-wide Defaults.
func LoadEnvDefaults() {
	_ = godotenv.Load()

	d := currentDefaults()

	if v := os.Getenv("ACTIONENGINE_DEFAULT_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			d.Concurrency = n
		}
	}
	if v := os.Getenv("ACTIONENGINE_DEFAULT_RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			d.RateLimit = f
		}
	}
	if v := os.Getenv("ACTIONENGINE_DEFAULT_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			d.Timeout = time.Duration(n) * time.Millisecond
		}
	}

	SetDefaults(d)
}
