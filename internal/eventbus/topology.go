package eventbus

import "strings"

// Subject prefixes with fixed stream names. Prefixes not listed here fall
// back to UPPER(prefix) + "_EVENTS", which happens to coincide for most of
// these; the table is kept explicit so stream names stay stable even if a
// prefix is ever renamed.
var streamsByPrefix = map[string]string{
	"usage":        "USAGE_EVENTS",
	"billing":      "BILLING_EVENTS",
	"wallet":       "WALLET_EVENTS",
	"account":      "ACCOUNT_EVENTS",
	"album":        "ALBUM_EVENTS",
	"device":       "DEVICE_EVENTS",
	"payment":      "PAYMENT_EVENTS",
	"subscription": "SUBSCRIPTION_EVENTS",
	"storage":      "STORAGE_EVENTS",
	"notification": "NOTIFICATION_EVENTS",
	"dlq":          "DLQ_EVENTS",
}

// StreamNameFor maps a subject pattern to the stream that stores it. The
// mapping is pure: the same pattern always yields the same stream name.
func StreamNameFor(subjectPattern string) string {
	prefix := firstSegment(subjectPattern)
	if name, ok := streamsByPrefix[prefix]; ok {
		return name
	}
	return strings.ToUpper(prefix) + "_EVENTS"
}

// StreamSubjectsFor returns the wildcard subject set a stream is created
// with, wide enough to cover every subject under the pattern's prefix:
// "usage.recorded.*" -> ["usage.>"].
func StreamSubjectsFor(subjectPattern string) []string {
	return []string{firstSegment(subjectPattern) + ".>"}
}

// ConsumerNameFor derives the durable consumer name for a service
// subscribing to a pattern: wildcards become "all", dots become dashes.
// "billing" + "usage.recorded.*" -> "billing-usage-recorded-all".
func ConsumerNameFor(service, subjectPattern string) string {
	r := strings.NewReplacer("*", "all", ">", "all", ".", "-")
	return service + "-" + r.Replace(subjectPattern)
}

// SubjectMatches reports whether a concrete subject matches a pattern using
// broker wildcard rules: "*" matches exactly one token, ">" matches one or
// more trailing tokens.
func SubjectMatches(pattern, subject string) bool {
	if pattern == subject {
		return true
	}
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, tok := range pt {
		if tok == ">" {
			return len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if tok != "*" && tok != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}

func firstSegment(subjectPattern string) string {
	if i := strings.IndexByte(subjectPattern, '.'); i >= 0 {
		return subjectPattern[:i]
	}
	return subjectPattern
}
