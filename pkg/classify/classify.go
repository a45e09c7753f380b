// Package classify maps free-form ledger and runtime error text onto the
// executor's error taxonomy. All substring matching lives here.
package classify

import (
	"strings"
)

// Class is a bucket of the error taxonomy
type Class string

const (
	// BenignRace means another executor already executed the order or it
	// stopped being eligible. Reported as success.
	BenignRace Class = "benign_race"
	// Transient errors are retried by the queue.
	Transient Class = "transient"
	// Permanent errors are reported immediately.
	Permanent Class = "permanent"
)

// Rule binds a tag to the substrings that identify it
type Rule struct {
	Class    Class
	Tag      string
	Patterns []string
}

// Rules is evaluated in order; the first matching rule wins.
// Patterns are compared case-insensitively.
var Rules = []Rule{
	{BenignRace, "not_enough_time_passed", []string{"ENotEnoughTimePassed", "not enough time passed"}},
	{BenignRace, "no_remaining_orders", []string{"ENoRemainingOrders", "no remaining orders"}},
	{BenignRace, "inactive", []string{"EInactive", "inactive"}},
	{BenignRace, "unfunded", []string{"EUnfunded", "unfunded"}},
	{BenignRace, "already_executed", []string{"already executed"}},

	{Transient, "timeout", []string{"timeout", "timed out", "context deadline exceeded"}},
	{Transient, "rate_limit", []string{"rate limit", "too many requests"}},
	{Transient, "network", []string{"network", "fetch failed", "connection refused", "connection reset", "econnreset", "etimedout", "no response", "unexpected eof"}},
	{Transient, "nonce", []string{"nonce too low", "replacement transaction underpriced"}},
}

// Classify returns the class and tag of an error message
func Classify(msg string) (Class, string) {
	lower := strings.ToLower(msg)
	for _, rule := range Rules {
		for _, p := range rule.Patterns {
			if strings.Contains(lower, strings.ToLower(p)) {
				return rule.Class, rule.Tag
			}
		}
	}
	return Permanent, "unknown"
}

// Of classifies an error, nil errors are permanent with tag "none"
func Of(err error) (Class, string) {
	if err == nil {
		return Permanent, "none"
	}
	return Classify(err.Error())
}

// IsBenignRace reports whether msg means another executor got there first
func IsBenignRace(msg string) bool {
	c, _ := Classify(msg)
	return c == BenignRace
}

// IsTransient reports whether msg is worth retrying
func IsTransient(msg string) bool {
	c, _ := Classify(msg)
	return c == Transient
}
