package rrule

import (
	"fmt"
	"strings"
	"time"

	"github.com/teambition/rrule-go"
)

// Parse parses an RFC 5545 RRULE string anchored at dtstart.
func Parse(ruleStr string, dtstart time.Time) (*rrule.RRule, error) {
	// Handle RRULE: prefix if present
	ruleStr = strings.TrimPrefix(ruleStr, "RRULE:")

	opt, err := rrule.StrToROption(ruleStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse RRULE: %w", err)
	}
	opt.Dtstart = dtstart.UTC()
	return rrule.NewRRule(*opt)
}

// NextAfter returns the next fire time strictly after the given time.
// Returns nil when the rule has no further occurrences. This is the
// only calendar question the rest of the system is allowed to ask.
func NextAfter(ruleStr string, dtstart time.Time, after time.Time) (*time.Time, error) {
	rule, err := Parse(ruleStr, dtstart)
	if err != nil {
		return nil, err
	}

	next := rule.After(after.UTC(), false)
	if next.IsZero() {
		return nil, nil
	}
	return &next, nil
}

// Preview returns up to count fire times after the given time, for
// listing a tap's upcoming schedule.
func Preview(ruleStr string, dtstart time.Time, after time.Time, count int) ([]time.Time, error) {
	rule, err := Parse(ruleStr, dtstart)
	if err != nil {
		return nil, err
	}

	iterator := rule.Iterator()
	var results []time.Time
	for {
		next, ok := iterator()
		if !ok {
			break
		}
		if next.After(after) {
			results = append(results, next)
			if len(results) >= count {
				break
			}
		}
	}
	return results, nil
}

// Describe returns a human-readable description of the RRULE for
// display in tap listings.
func Describe(ruleStr string, dtstart time.Time) string {
	rule, err := Parse(ruleStr, dtstart)
	if err != nil {
		return ruleStr
	}
	return rule.String()
}

// IsRecurring checks if the RRULE string represents a recurring schedule
func IsRecurring(ruleStr string) bool {
	return ruleStr != "" && strings.Contains(strings.ToUpper(ruleStr), "FREQ=")
}
