package mail

import (
	"fmt"
	"regexp"
	"strings"
)

// NormalizeMessageID lower-cases a message-id and strips angle brackets and
// surrounding whitespace. Lookups and comparisons always go through this so
// "<ABC@x>" and "abc@x" refer to the same entry.
func NormalizeMessageID(id string) string {
	id = strings.TrimSpace(id)
	id = strings.TrimPrefix(id, "<")
	id = strings.TrimSuffix(id, ">")
	return strings.ToLower(strings.TrimSpace(id))
}

// ParseReferences splits an In-Reply-To or References header into normalized
// message-ids. Providers disagree on separators: some use whitespace, some
// pack "<a@x><b@y>" without any. Both forms are handled.
func ParseReferences(header string) []string {
	if strings.TrimSpace(header) == "" {
		return nil
	}

	var ids []string
	seen := make(map[string]bool)
	add := func(raw string) {
		id := NormalizeMessageID(raw)
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		ids = append(ids, id)
	}

	if strings.Contains(header, "<") {
		for _, group := range strings.Split(header, "<") {
			if i := strings.Index(group, ">"); i >= 0 {
				group = group[:i]
			}
			add(group)
		}
		return ids
	}

	for _, field := range strings.Fields(header) {
		add(field)
	}
	return ids
}

// MergeReferences returns the deduplicated union of two id lists, preserving
// first-seen order.
func MergeReferences(a, b []string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, list := range [][]string{a, b} {
		for _, raw := range list {
			id := NormalizeMessageID(raw)
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

var requestIDRe = regexp.MustCompile(`\[Req:\s*(req-[A-Za-z0-9_-]+)\]`)

// EmbedRequestID prefixes a subject with the request-id marker used to
// correlate agent-to-agent replies back to the suspended flow.
func EmbedRequestID(requestID, subject string) string {
	return fmt.Sprintf("[Req: %s] %s", requestID, subject)
}

// ExtractRequestID returns the request-id embedded in a subject, or "" if
// none is present. Reply prefixes added by mail clients do not affect the
// match because the marker survives verbatim inside the subject.
func ExtractRequestID(subject string) string {
	m := requestIDRe.FindStringSubmatch(subject)
	if m == nil {
		return ""
	}
	return m[1]
}

// StripRequestID removes the request-id marker from a subject for
// user-facing rendering.
func StripRequestID(subject string) string {
	return strings.TrimSpace(requestIDRe.ReplaceAllString(subject, ""))
}

// ReplySubject prepends "Re: " unless the subject already carries a reply
// prefix (any casing).
func ReplySubject(subject string) string {
	trimmed := strings.TrimSpace(subject)
	if len(trimmed) >= 3 && strings.EqualFold(trimmed[:3], "re:") {
		return trimmed
	}
	return "Re: " + trimmed
}

// LocalPart returns the lower-cased local part of an address
// ("Alice@Team.example" → "alice"). Addresses without an @ are returned
// lower-cased as-is.
func LocalPart(addr string) string {
	addr = CleanAddress(addr)
	if i := strings.Index(addr, "@"); i >= 0 {
		return addr[:i]
	}
	return addr
}

// Domain returns the lower-cased domain of an address, or "" if it has none.
func Domain(addr string) string {
	addr = CleanAddress(addr)
	if i := strings.Index(addr, "@"); i >= 0 {
		return addr[i+1:]
	}
	return ""
}

// CleanAddress extracts the bare address from forms like
// `"Display Name" <user@host>` and lower-cases it.
func CleanAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if i := strings.Index(addr, "<"); i >= 0 {
		if j := strings.Index(addr[i:], ">"); j > 0 {
			addr = addr[i+1 : i+j]
		} else {
			addr = addr[i+1:]
		}
	}
	return strings.ToLower(strings.TrimSpace(addr))
}

// DisplayName extracts the display-name portion of a From header, or "" when
// the header is a bare address.
func DisplayName(addr string) string {
	addr = strings.TrimSpace(addr)
	i := strings.Index(addr, "<")
	if i <= 0 {
		return ""
	}
	name := strings.TrimSpace(addr[:i])
	return strings.Trim(name, `"`)
}

// SameAddress compares two addresses case-insensitively after cleaning.
func SameAddress(a, b string) bool {
	return CleanAddress(a) == CleanAddress(b)
}
