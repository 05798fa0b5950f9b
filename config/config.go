// Package config implements the process-wide configuration surface spec.md
// §6 lists: trust anchor file location, key-cache TTL/size bounds, the
// per-key-size NSEC3 iteration caps, and the Bad-KeyEntry TTL. It also
// carries the module's logging idiom.
//
// Grounded on 0xERR0R/blocky's config/config.go: YAML loading via
// gopkg.in/yaml.v2 with github.com/creasty/defaults supplying zero-value
// defaults, the only config-loading pattern attested in the retrieved pack
// that matches a DNS resolver's config shape. Logging is kept as the
// teacher's own minimal idiom (type Logger func(string), package-level
// Debug/Info/Warn vars defaulting to no-ops) from nsmithuk/resolver's
// dnssec/config.go and resolver/config.go — the teacher never reaches for
// a logging library anywhere in the retrieved tree, so this is the
// faithful choice rather than a stdlib shortcut (see DESIGN.md).
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/creasty/defaults"
	"gopkg.in/yaml.v2"

	"github.com/nsmithuk/dnssecval/doe"
)

// Config is the process-wide option set, loaded once at startup with
// Default or Load (spec.md §9, "no global singletons"). No constructor in
// this module takes a Config; IterationPolicy converts its NSEC3 caps into
// the doe.IterationPolicy the orchestrator and keyfinder use.
type Config struct {
	TrustAnchorFile string `yaml:"trust_anchor_file"`

	KeyCache struct {
		MaxTTL     time.Duration `yaml:"max_ttl" default:"24h"`
		MaxEntries int           `yaml:"max_entries" default:"50000"`
	} `yaml:"keycache"`

	NSEC3Iterations struct {
		Cap1024 uint16 `yaml:"1024" default:"150"`
		Cap2048 uint16 `yaml:"2048" default:"500"`
		Cap4096 uint16 `yaml:"4096" default:"2500"`
	} `yaml:"nsec3.iterations"`

	TrustAnchor struct {
		BadKeyTTL time.Duration `yaml:"bad_key_ttl" default:"60s"`
	} `yaml:"ta"`
}

// Default returns a Config populated with spec.md §6's defaults.
func Default() (*Config, error) {
	c := &Config{}
	if err := defaults.Set(c); err != nil {
		return nil, fmt.Errorf("applying config defaults: %w", err)
	}
	return c, nil
}

// Load reads a YAML document from path, applying spec.md §6's defaults to
// any field the document leaves unset.
func Load(path string) (*Config, error) {
	c, err := Default()
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	return c, nil
}

// IterationPolicy builds the doe.IterationPolicy this Config's
// nsec3.iterations.* fields describe.
func (c *Config) IterationPolicy() doe.IterationPolicy {
	return doe.IterationPolicy{
		Cap1024: c.NSEC3Iterations.Cap1024,
		Cap2048: c.NSEC3Iterations.Cap2048,
		Cap4096: c.NSEC3Iterations.Cap4096,
	}
}

// Logger matches the teacher's own callback-based logging idiom
// (nsmithuk/resolver's dnssec/config.go): a single function the embedding
// process wires up, rather than a logging framework dependency.
type Logger func(string)

var noop Logger = func(string) {}

// Debug, Info and Warn are package-level hooks the embedding process
// overrides during initialisation; they default to no-ops so this module
// never requires a logging dependency of its own to function.
var (
	Debug Logger = noop
	Info  Logger = noop
	Warn  Logger = noop
)
