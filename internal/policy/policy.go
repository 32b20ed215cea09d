// Package policy loads record profiles: which fields may be backfilled, the
// confidence they must reach, authority sources, rate limits and guards.
package policy

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/backfill-cli/internal/ledger"
	"github.com/sells-group/backfill-cli/internal/resilience"
)

// NetworkMode controls whether a profile wants network and crawl steps.
type NetworkMode string

const (
	// NetworkAuto runs network steps when both guards allow it.
	NetworkAuto NetworkMode = "auto"
	// NetworkOff never runs network steps for this profile.
	NetworkOff NetworkMode = "off"
	// NetworkRequired treats closed guards as a configuration error.
	NetworkRequired NetworkMode = "required"
)

// FieldPolicy configures one field.
type FieldPolicy struct {
	Backfill         bool    `yaml:"backfill"`
	TargetConfidence float64 `yaml:"target_confidence"`
}

// RateLimit throttles one provider.
type RateLimit struct {
	MinIntervalSeconds float64 `yaml:"min_interval_seconds"`
	Burst              int     `yaml:"burst"`
}

// MinInterval returns the interval as a duration.
func (r RateLimit) MinInterval() time.Duration {
	return time.Duration(r.MinIntervalSeconds * float64(time.Second))
}

// RetryPolicy bounds retries of network fetchers.
type RetryPolicy struct {
	MaxAttempts      int `yaml:"max_attempts"`
	InitialBackoffMS int `yaml:"initial_backoff_ms"`
	MaxBackoffMS     int `yaml:"max_backoff_ms"`
}

// Config converts the policy to a retry config.
func (r RetryPolicy) Config() resilience.RetryConfig {
	cfg := resilience.DefaultRetryConfig()
	if r.MaxAttempts > 0 {
		cfg.MaxAttempts = r.MaxAttempts
	}
	if r.InitialBackoffMS > 0 {
		cfg.InitialBackoff = time.Duration(r.InitialBackoffMS) * time.Millisecond
	}
	if r.MaxBackoffMS > 0 {
		cfg.MaxBackoff = time.Duration(r.MaxBackoffMS) * time.Millisecond
	}
	return cfg
}

// Policy is a typed record profile.
type Policy struct {
	Name               string                 `yaml:"name"`
	TargetConfidence   float64                `yaml:"target_confidence"`
	Fields             map[string]FieldPolicy `yaml:"fields"`
	AuthoritySources   []string               `yaml:"authority_sources"`
	Fetchers           []string               `yaml:"fetchers"`
	Network            NetworkMode            `yaml:"network"`
	Crawl              bool                   `yaml:"crawl"`
	TieBreak           ledger.TieBreak        `yaml:"tie_break"`
	StepTimeoutSecs    float64                `yaml:"step_timeout_secs"`
	AttemptTimeoutSecs float64                `yaml:"attempt_timeout_secs"`
	Retry              RetryPolicy            `yaml:"retry"`
	RateLimits         map[string]RateLimit   `yaml:"rate_limits"`
	Redact             []string               `yaml:"redact"`
	Refresh            bool                   `yaml:"refresh"`
}

const (
	defaultTargetConfidence = 0.9
	defaultStepTimeout      = 30 * time.Second
	defaultAttemptTimeout   = 10 * time.Second
)

// Load reads a profile from a YAML file. The file may hold a single profile
// or a top-level "profile" key.
func Load(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "policy: read %s", path)
	}
	return Parse(data)
}

// Parse decodes a profile and applies defaults. It does not validate; that
// happens per record so a bad profile only aborts the plans it governs.
func Parse(data []byte) (*Policy, error) {
	var wrapper struct {
		Profile *Policy `yaml:"profile"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "policy: parse")
	}
	p := wrapper.Profile
	if p == nil {
		p = &Policy{}
		if err := yaml.Unmarshal(data, p); err != nil {
			return nil, eris.Wrap(err, "policy: parse")
		}
	}
	p.applyDefaults()
	return p, nil
}

func (p *Policy) applyDefaults() {
	if p.TargetConfidence == 0 {
		p.TargetConfidence = defaultTargetConfidence
	}
	if p.Network == "" {
		p.Network = NetworkAuto
	}
	if p.TieBreak == "" {
		p.TieBreak = ledger.TieBreakPriority
	}
	if p.Fields == nil {
		p.Fields = make(map[string]FieldPolicy)
	}
	for name, fp := range p.Fields {
		if fp.TargetConfidence == 0 {
			fp.TargetConfidence = p.TargetConfidence
		}
		p.Fields[name] = fp
	}
}

// Validate reports the first malformed setting as a ConfigurationError.
func (p *Policy) Validate() error {
	if p.Name == "" {
		return resilience.NewConfigurationError("name", "profile name is required")
	}
	if !inUnitRange(p.TargetConfidence) {
		return resilience.NewConfigurationError("target_confidence", fmt.Sprintf("%v outside [0,1]", p.TargetConfidence))
	}
	for _, name := range p.FieldNames() {
		if fp := p.Fields[name]; !inUnitRange(fp.TargetConfidence) {
			return resilience.NewConfigurationError("fields."+name+".target_confidence",
				fmt.Sprintf("%v outside [0,1]", fp.TargetConfidence))
		}
	}
	switch p.Network {
	case NetworkAuto, NetworkOff, NetworkRequired:
	default:
		return resilience.NewConfigurationError("network", fmt.Sprintf("unknown mode %q", p.Network))
	}
	if !p.TieBreak.Valid() {
		return resilience.NewConfigurationError("tie_break", fmt.Sprintf("unknown policy %q", p.TieBreak))
	}
	if p.StepTimeoutSecs < 0 || p.AttemptTimeoutSecs < 0 {
		return resilience.NewConfigurationError("timeouts", "must be >= 0")
	}
	if p.Retry.MaxAttempts < 0 {
		return resilience.NewConfigurationError("retry.max_attempts", "must be >= 0")
	}
	for provider, rl := range p.RateLimits {
		if rl.MinIntervalSeconds < 0 || rl.Burst < 0 {
			return resilience.NewConfigurationError("rate_limits."+provider, "interval and burst must be >= 0")
		}
	}
	return nil
}

// CheckGuards validates the profile's network mode against the process switch
// and the per-run authorization. A profile that requires the network while
// either guard is closed is contradictory.
func (p *Policy) CheckGuards(processEnabled, runAllowed bool) error {
	if p.Network == NetworkRequired && !(processEnabled && runAllowed) {
		return resilience.NewConfigurationError("network",
			fmt.Sprintf("profile requires network but guards are process=%t run=%t", processEnabled, runAllowed))
	}
	return nil
}

// NetworkPermitted reports whether network and crawl steps may execute.
func (p *Policy) NetworkPermitted(processEnabled, runAllowed bool) bool {
	return processEnabled && runAllowed && p.Network != NetworkOff
}

// Eligible reports whether the field may be backfilled.
func (p *Policy) Eligible(field string) bool {
	return p.Fields[field].Backfill
}

// Target returns the confidence a field must reach to be considered satisfied.
func (p *Policy) Target(field string) float64 {
	if fp, ok := p.Fields[field]; ok && fp.TargetConfidence > 0 {
		return fp.TargetConfidence
	}
	return p.TargetConfidence
}

// FieldNames returns all configured fields, sorted.
func (p *Policy) FieldNames() []string {
	names := make([]string, 0, len(p.Fields))
	for name := range p.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// EligibleFields returns the backfill-eligible fields, sorted.
func (p *Policy) EligibleFields() []string {
	var names []string
	for _, name := range p.FieldNames() {
		if p.Fields[name].Backfill {
			names = append(names, name)
		}
	}
	return names
}

// IsAuthority reports whether the named fetcher is an authority source.
func (p *Policy) IsAuthority(fetcher string) bool {
	for _, s := range p.AuthoritySources {
		if s == fetcher {
			return true
		}
	}
	return false
}

// Allows reports whether the profile lets the named fetcher run. An empty
// list allows every registered fetcher.
func (p *Policy) Allows(fetcher string) bool {
	if len(p.Fetchers) == 0 {
		return true
	}
	for _, name := range p.Fetchers {
		if name == fetcher {
			return true
		}
	}
	return p.IsAuthority(fetcher)
}

// StepTimeout returns the per-step timeout.
func (p *Policy) StepTimeout() time.Duration {
	if p.StepTimeoutSecs > 0 {
		return time.Duration(p.StepTimeoutSecs * float64(time.Second))
	}
	return defaultStepTimeout
}

// AttemptTimeout returns the per-attempt timeout for network fetches.
func (p *Policy) AttemptTimeout() time.Duration {
	if p.AttemptTimeoutSecs > 0 {
		return time.Duration(p.AttemptTimeoutSecs * float64(time.Second))
	}
	return defaultAttemptTimeout
}

func inUnitRange(v float64) bool {
	return v >= 0 && v <= 1
}
