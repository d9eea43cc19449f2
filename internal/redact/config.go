// Package redact masks configured secrets in outbound request bodies before
// they leave the process.
package redact

import (
	"errors"
	"fmt"
)

// OnError selects what happens when a rule cannot be compiled.
type OnError string

const (
	WarnAndBypass OnError = "warn_and_bypass"
	BlockRequest  OnError = "block_request"
)

// MatchMethod selects how a rule's pattern is interpreted.
type MatchMethod string

const (
	MatchRegex  MatchMethod = "regex"
	MatchString MatchMethod = "string_match"
)

// Rule is one redaction rule.
type Rule struct {
	Name        string      `mapstructure:"name" json:"name,omitempty"`
	Enabled     bool        `mapstructure:"enabled" json:"enabled"`
	MatchMethod MatchMethod `mapstructure:"match_method" json:"matchMethod"`
	Pattern     string      `mapstructure:"pattern" json:"pattern"`
}

// Label names the rule in logs without exposing its pattern.
func (r Rule) Label(idx int) string {
	if r.Name != "" {
		return r.Name
	}
	return fmt.Sprintf("rule_%d", idx)
}

// Config is the redaction block of the runtime settings.
type Config struct {
	Enabled bool    `mapstructure:"enabled" json:"enabled"`
	OnError OnError `mapstructure:"on_error" json:"onError"`
	Rules   []Rule  `mapstructure:"rules" json:"rules"`
}

// Validate checks enumerations. Individual rule patterns are checked at
// compile time so a bad pattern can follow the OnError policy.
func (c Config) Validate() error {
	switch c.OnError {
	case "", WarnAndBypass, BlockRequest:
	default:
		return fmt.Errorf("redaction.on_error: unknown value %q", c.OnError)
	}
	for i, r := range c.Rules {
		switch r.MatchMethod {
		case MatchRegex, MatchString:
		default:
			return fmt.Errorf("redaction.rules[%d].match_method: unknown value %q", i, r.MatchMethod)
		}
	}
	return nil
}

// ErrBlocked is returned when the block_request policy rejects a request.
var ErrBlocked = errors.New("redact: request blocked by redaction policy")
