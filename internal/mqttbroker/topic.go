package mqttbroker

import "strings"

// MatchTopic reports whether a concrete topic matches a subscription filter
// using MQTT '+' (one level) and '#' (remaining levels) wildcards.
func MatchTopic(filter, topic string) bool {
	if filter == topic {
		return true
	}

	f := strings.Split(filter, "/")
	t := strings.Split(topic, "/")

	for i, level := range f {
		if level == "#" {
			return i == len(f)-1
		}
		if i >= len(t) {
			return false
		}
		if level != "+" && level != t[i] {
			return false
		}
	}
	return len(f) == len(t)
}

// ValidFilter reports whether filter is a well-formed subscription filter.
func ValidFilter(filter string) bool {
	if filter == "" {
		return false
	}
	levels := strings.Split(filter, "/")
	for i, level := range levels {
		switch {
		case level == "#":
			if i != len(levels)-1 {
				return false
			}
		case strings.ContainsAny(level, "#+") && len(level) > 1:
			return false
		}
	}
	return true
}

// TopicLevel returns the zero-based level of topic, or "" if it is too short.
func TopicLevel(topic string, n int) string {
	levels := strings.Split(topic, "/")
	if n < 0 || n >= len(levels) {
		return ""
	}
	return levels[n]
}
