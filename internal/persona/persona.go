// Package persona generates the browser fingerprint each new session presents.
package persona

import (
	"math/rand/v2"
	"sync"

	"github.com/xkilldash9x/termin-cli/api/schemas"
	"github.com/xkilldash9x/termin-cli/internal/config"
)

// FallbackUserAgent is used when no user agents are configured.
const FallbackUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36"

// Generator draws a user agent from the configured pool and nudges the
// viewport by up to the configured jitter. Safe for concurrent use.
type Generator struct {
	cfg config.BrowserConfig

	mu  sync.Mutex
	rng *rand.Rand
}

// NewGenerator seeds from the runtime's random source.
func NewGenerator(cfg config.BrowserConfig) *Generator {
	return NewSeededGenerator(cfg, rand.Uint64(), rand.Uint64())
}

// NewSeededGenerator produces a reproducible sequence.
func NewSeededGenerator(cfg config.BrowserConfig, seed1, seed2 uint64) *Generator {
	return &Generator{cfg: cfg, rng: rand.New(rand.NewPCG(seed1, seed2))}
}

// Next returns a fresh fingerprint.
func (g *Generator) Next() schemas.Fingerprint {
	g.mu.Lock()
	defer g.mu.Unlock()

	ua := FallbackUserAgent
	if n := len(g.cfg.UserAgents); n > 0 {
		ua = g.cfg.UserAgents[g.rng.IntN(n)]
	}
	return schemas.Fingerprint{
		UserAgent:      ua,
		ViewportWidth:  int64(g.cfg.ViewportWidth + g.jitter(g.cfg.WidthJitter)),
		ViewportHeight: int64(g.cfg.ViewportHeight + g.jitter(g.cfg.HeightJitter)),
		Locale:         g.cfg.Locale,
		Timezone:       g.cfg.Timezone,
	}
}

// jitter is inclusive of max.
func (g *Generator) jitter(max int) int {
	if max <= 0 {
		return 0
	}
	return g.rng.IntN(max + 1)
}
