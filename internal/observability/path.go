package observability

import (
	"strconv"
	"strings"
)

// NormalizePath collapses identifiers in a URL path into route placeholders.
// Invite tokens are bearer credentials, so anything under /invites/ other
// than the accept endpoint becomes {token}. The result is safe to log, to
// use as a metric label and to send to Sentry.
func NormalizePath(path string) string {
	parts := strings.Split(path, "/")
	for i, part := range parts {
		switch {
		case part == "":
		case i > 0 && parts[i-1] == "invites" && part != "accept":
			parts[i] = "{token}"
		case len(part) == 36 && strings.Count(part, "-") == 4:
			parts[i] = "{id}"
		case isProviderID(part):
			parts[i] = "{providerId}"
		default:
			if _, err := strconv.ParseInt(part, 10, 64); err == nil {
				parts[i] = "{id}"
			}
		}
	}
	return strings.Join(parts, "/")
}

// isProviderID reports whether part is a dynamic provider id such as entra-{uuid}.
func isProviderID(part string) bool {
	i := strings.Index(part, "-")
	if i <= 0 || len(part)-i-1 < 36 {
		return false
	}
	tail := part[len(part)-36:]
	return strings.Count(tail, "-") == 4
}
