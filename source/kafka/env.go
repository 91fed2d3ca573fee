package kafka

import "strings"

// envKey maps PREFIX__CHECKPOINT__COMMIT_INTERVAL to checkpoint.commit_interval.
func envKey(prefix string) func(string) string {
	return func(s string) string {
		s = strings.TrimPrefix(s, prefix)
		return strings.ToLower(strings.ReplaceAll(s, "__", "."))
	}
}
