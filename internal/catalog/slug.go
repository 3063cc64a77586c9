package catalog

import (
	"strings"
)

// slug constraints enforced by Slugify.
const (
	slugMinLen = 3
	slugMaxLen = 50
)

// Slugify normalises a display name into a URL-safe public-map slug:
// lowercase, every character outside [a-z0-9-] becomes '-', runs of '-'
// collapse, leading/trailing '-' are trimmed. Results shorter than three
// characters get a "map-" prefix, longer than fifty are truncated and
// re-trimmed; a name with nothing usable becomes "public-map". The function
// is idempotent: Slugify(Slugify(s)) == Slugify(s).
func Slugify(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	out := b.String()
	for strings.Contains(out, "--") {
		out = strings.ReplaceAll(out, "--", "-")
	}
	out = strings.Trim(out, "-")

	if out == "" {
		return "public-map"
	}
	if len(out) < slugMinLen {
		out = "map-" + out
	}
	if len(out) > slugMaxLen {
		out = strings.TrimRight(out[:slugMaxLen], "-")
	}
	return out
}
