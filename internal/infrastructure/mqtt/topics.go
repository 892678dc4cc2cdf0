package mqtt

import (
	"fmt"
	"strings"
)

// validatePublishTopic rejects empty topics and topics containing
// wildcards, which brokers refuse on publish.
func validatePublishTopic(topic string) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if strings.ContainsAny(topic, "+#") {
		return fmt.Errorf("%w: wildcards not allowed in publish topic %q", ErrInvalidTopic, topic)
	}
	return nil
}

// validateFilter checks a subscription filter: "#" may only appear as the
// last level and "+" must occupy a whole level.
func validateFilter(filter string) error {
	if filter == "" {
		return ErrInvalidTopic
	}
	levels := strings.Split(filter, "/")
	for i, level := range levels {
		switch {
		case strings.Contains(level, "#") && (level != "#" || i != len(levels)-1):
			return fmt.Errorf("%w: misplaced '#' in %q", ErrInvalidTopic, filter)
		case strings.Contains(level, "+") && level != "+":
			return fmt.Errorf("%w: '+' must be a whole level in %q", ErrInvalidTopic, filter)
		}
	}
	return nil
}

// MatchTopic reports whether topic matches the subscription filter.
func MatchTopic(filter, topic string) bool {
	fl := strings.Split(filter, "/")
	tl := strings.Split(topic, "/")
	for i, f := range fl {
		if f == "#" {
			return true
		}
		if i >= len(tl) {
			return false
		}
		if f != "+" && f != tl[i] {
			return false
		}
	}
	return len(fl) == len(tl)
}
