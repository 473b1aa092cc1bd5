package mqtt

import "strings"

// Match reports whether topic matches a subscription filter with + and #
// wildcards.
func Match(filter, topic string) bool {
	fp := strings.Split(filter, "/")
	tp := strings.Split(topic, "/")

	for i, part := range fp {
		if part == "#" {
			return true
		}
		if i >= len(tp) {
			return false
		}
		if part != "+" && part != tp[i] {
			return false
		}
	}
	return len(fp) == len(tp)
}
