package observability

import (
	"regexp"
	"strings"
)

const credentialRedacted = "[REDACTED]"

// Secrets the console handles: bearer tokens, session and provider cookies,
// request signatures, and JWTs that leak into error strings.
var credentialPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bBearer\s+[a-z0-9_.\-/+=]{8,}`),
	regexp.MustCompile(`(?i)eyj[a-z0-9_-]{8,}\.[a-z0-9_-]{8,}\.[a-z0-9_-]{8,}`),
	regexp.MustCompile(`(?i)\b(?:agentconsole_session|google_access_token|microsoft_access_token)=[^;\s]{4,}`),
	regexp.MustCompile(`(?i)\bx-request-signature:\s*[a-f0-9]{16,}`),
	regexp.MustCompile(`(?i)\b(?:password|secret|token)\s*[=:]\s*\S{4,}`),
}

func ContainsCredential(s string) bool {
	if len(s) < 8 {
		return false
	}
	for _, p := range credentialPatterns {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}

// ScrubCredentials returns s with every credential match replaced. Clean
// input comes back unchanged.
func ScrubCredentials(s string) string {
	if !ContainsCredential(s) {
		return s
	}
	for _, p := range credentialPatterns {
		s = p.ReplaceAllString(s, credentialRedacted)
	}
	return strings.TrimSpace(s)
}
