package signaling

import (
	"net/url"
	"strings"
)

// originAllowed gates websocket upgrades by the browser Origin header.
// Requests without an Origin come from non-browser clients and are
// always accepted; the relay has no cookies or ambient credentials to
// protect, this exists to keep arbitrary sites from driving a user's
// signaling connection.
//
// With a non-empty allowlist an origin must match an entry exactly
// ("*" matches anything). Otherwise only same-host origins pass. The
// scheme is not compared against the request because the relay may sit
// behind a TLS-terminating proxy.
func originAllowed(originHeader, requestHost string, allowlist []string) bool {
	raw := strings.TrimSpace(originHeader)
	if raw == "" {
		return true
	}

	origin, host, ok := normalizeOrigin(raw)
	if !ok {
		return false
	}

	if len(allowlist) > 0 {
		for _, allowed := range allowlist {
			if allowed == "*" || strings.EqualFold(allowed, origin) {
				return true
			}
		}
		return false
	}

	if origin == "null" {
		return false
	}
	scheme, _, _ := strings.Cut(origin, "://")
	return host == normalizeHostPort(requestHost, scheme)
}

// normalizeOrigin canonicalizes an Origin header value to
// scheme://host[:port] with the default port stripped, and returns the
// host[:port] part for same-host comparison. The literal "null"
// (sandboxed or file contexts) is passed through.
func normalizeOrigin(raw string) (origin, host string, ok bool) {
	if raw == "null" {
		return "null", "", true
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}

	host = normalizeHostPort(u.Host, scheme)
	if host == "" {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

// normalizeHostPort lowercases host[:port] and drops the port when it
// is the scheme's default.
func normalizeHostPort(hostport, scheme string) string {
	hostport = strings.ToLower(strings.TrimSpace(hostport))
	host, port, found := splitHostPort(hostport)
	if host == "" {
		return ""
	}
	if !found {
		return hostport
	}
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		return host
	}
	return hostport
}

// splitHostPort separates host[:port], keeping brackets on IPv6
// literals in the host.
func splitHostPort(hostport string) (host, port string, found bool) {
	if strings.HasPrefix(hostport, "[") {
		end := strings.IndexByte(hostport, ']')
		if end < 0 {
			return "", "", false
		}
		host = hostport[:end+1]
		rest := hostport[end+1:]
		if rest == "" {
			return host, "", false
		}
		if !strings.HasPrefix(rest, ":") || len(rest) < 2 {
			return "", "", false
		}
		return host, rest[1:], true
	}

	i := strings.LastIndexByte(hostport, ':')
	if i < 0 {
		return hostport, "", false
	}
	if strings.Count(hostport, ":") > 1 {
		// Unbracketed IPv6 literal; no port component.
		return hostport, "", false
	}
	return hostport[:i], hostport[i+1:], true
}
