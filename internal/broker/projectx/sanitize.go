package projectx

import (
	"net/http"
	"strings"
)

// Redaction replaces the hidden part of a secret.
const Redaction = "…redacted…"

const (
	keepStart = 6
	keepEnd   = 6
)

// MaskToken hides the middle of a credential, keeping a short prefix and
// suffix. A "Bearer " scheme is preserved.
func MaskToken(v string) string {
	scheme, token, ok := strings.Cut(v, " ")
	if ok && strings.EqualFold(scheme, "bearer") {
		token = strings.TrimSpace(token)
		if len(token) <= keepStart+keepEnd {
			return scheme + " " + Redaction
		}
		return scheme + " " + token[:keepStart] + Redaction + token[len(token)-keepEnd:]
	}
	if len(v) <= keepStart+keepEnd {
		return Redaction
	}
	return v[:keepStart] + Redaction + v[len(v)-keepEnd:]
}

// SanitizeHeaders returns a flattened copy of h that is safe to log.
func SanitizeHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vs := range h {
		v := strings.Join(vs, ", ")
		switch strings.ToLower(k) {
		case "authorization", "x-api-key", "api-key":
			v = MaskToken(v)
		case "cookie", "set-cookie":
			v = Redaction
		}
		out[k] = v
	}
	return out
}
