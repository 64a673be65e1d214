package proxysession

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/pushpin/pushpin/core/zhttp"
)

// hopByHop lists headers that never cross a proxy hop, per the classic
// RFC 7230 §6.1 list.
var hopByHop = map[string]bool{
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"te":                  true,
	"trailer":             true,
	"transfer-encoding":   true,
	"upgrade":             true,
}

// StripHopByHop removes headers that must not be forwarded across a
// proxy hop, per spec.md §4.F "Header rules: strip hop-by-hop headers".
func StripHopByHop(headers []zhttp.Header) []zhttp.Header {
	out := make([]zhttp.Header, 0, len(headers))
	for _, h := range headers {
		if hopByHop[strings.ToLower(h.Name)] {
			continue
		}
		out = append(out, h)
	}
	return out
}

// StripHeader removes every occurrence of name (case-insensitive).
func StripHeader(headers []zhttp.Header, name string) []zhttp.Header {
	out := make([]zhttp.Header, 0, len(headers))
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			continue
		}
		out = append(out, h)
	}
	return out
}

// GetHeader returns the first value for name (case-insensitive), ok=false
// if absent.
func GetHeader(headers []zhttp.Header, name string) (string, bool) {
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value, true
		}
	}
	return "", false
}

// SetHeader replaces every occurrence of name with a single header
// carrying value, appending it if absent.
func SetHeader(headers []zhttp.Header, name, value string) []zhttp.Header {
	out := StripHeader(headers, name)
	return append(out, zhttp.Header{Name: name, Value: value})
}

// AddHeader appends a header without removing any existing value,
// matching the multi-value X-Forwarded-For convention.
func AddHeader(headers []zhttp.Header, name, value string) []zhttp.Header {
	return append(headers, zhttp.Header{Name: name, Value: value})
}

// RewriteXFF applies an ordered list of rules to the X-Forwarded-For
// header, per spec.md §6's `x_forwarded_for`/`x_forwarded_for_trusted`
// config lists and the literal test in spec.md §8 scenario 4: rule
// "truncate:N" keeps only the last N comma-separated entries of the
// existing header value; rule "append" appends peerAddr as a new
// trailing entry. Rules apply in the order given, peerAddr is the
// front-end connection's remote address.
func RewriteXFF(headers []zhttp.Header, rules []string, peerAddr string) []zhttp.Header {
	existing, _ := GetHeader(headers, "X-Forwarded-For")
	entries := splitCommaList(existing)

	for _, rule := range rules {
		switch {
		case strings.HasPrefix(rule, "truncate:"):
			n, err := strconv.Atoi(strings.TrimPrefix(rule, "truncate:"))
			if err != nil || n < 0 {
				continue
			}
			if n < len(entries) {
				entries = entries[len(entries)-n:]
			}
		case rule == "append":
			if peerAddr != "" {
				entries = append(entries, peerAddr)
			}
		}
	}

	if len(entries) == 0 {
		return StripHeader(headers, "X-Forwarded-For")
	}
	return SetHeader(headers, "X-Forwarded-For", strings.Join(entries, ", "))
}

func splitCommaList(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, strings.TrimSpace(p))
	}
	return out
}

// RewriteXFProto sets X-Forwarded-Proto per spec.md §6's
// `set_x_forwarded_protocol` ∈ {true, false, proto-only}. "true" (the
// default, also used for "") and "proto-only" behave the same: both set
// X-Forwarded-Proto to scheme and touch no other forwarded header.
// "false" leaves headers untouched.
func RewriteXFProto(headers []zhttp.Header, mode, scheme string) []zhttp.Header {
	switch mode {
	case "false":
		return headers
	case "proto-only", "true", "":
		return SetHeader(headers, "X-Forwarded-Proto", scheme)
	default:
		return headers
	}
}

// DetectCDNLoop reports whether token already appears in the incoming
// CDN-Loop header, per spec.md §4.F "fail closed with 502 if the same
// token appears on the incoming request (loop detected)".
func DetectCDNLoop(headers []zhttp.Header, token string) bool {
	if token == "" {
		return false
	}
	v, ok := GetHeader(headers, "CDN-Loop")
	if !ok {
		return false
	}
	for _, tok := range splitCommaList(v) {
		if strings.EqualFold(tok, token) {
			return true
		}
	}
	return false
}

// AddCDNLoop appends token to the outgoing CDN-Loop header, preserving
// any value already present so a chain of proxies accumulates tokens.
func AddCDNLoop(headers []zhttp.Header, token string) []zhttp.Header {
	if token == "" {
		return headers
	}
	existing, ok := GetHeader(headers, "CDN-Loop")
	if !ok || existing == "" {
		return SetHeader(headers, "CDN-Loop", token)
	}
	return SetHeader(headers, "CDN-Loop", existing+", "+token)
}

// gripClaims is the minimal claim set Pushpin signs into Grip-Sig: an
// issuer and an expiry, matching the open-source Grip protocol's own
// signing convention. No JWT library exists anywhere in the retrieved
// corpus, so the HS256 compact-serialization is hand-rolled from
// stdlib crypto/hmac+sha256 rather than sourced from an unavailable
// dependency; this is the one header-rewriting concern without a pack
// precedent to ground on.
type gripClaims struct {
	Iss string `json:"iss"`
	Exp int64  `json:"exp"`
}

// SignGripSig produces a compact HS256 JWT-shaped token ("header.claims.sig")
// over iss/key, used for the Grip-Sig header on session-capable routes
// per spec.md §4.F / §6's `sig_iss`/`sig_key`.
func SignGripSig(iss, key string, ttl time.Duration) (string, error) {
	header := `{"alg":"HS256","typ":"JWT"}`
	claims := gripClaims{Iss: iss, Exp: time.Now().Add(ttl).Unix()}
	claimsJSON, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}

	seg1 := base64.RawURLEncoding.EncodeToString([]byte(header))
	seg2 := base64.RawURLEncoding.EncodeToString(claimsJSON)
	signingInput := seg1 + "." + seg2

	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(signingInput))
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))

	return signingInput + "." + sig, nil
}

// HoldDirective reports the Grip hold instruction carried by an upstream
// response, per the GLOSSARY's "Hold" entry: signaled by Grip-Hold
// (and, when present, Grip-Channel). ok is false when no hold directive
// is present.
type HoldDirective struct {
	Mode    string // e.g. "response", "stream"
	Channel string
}

// hostAndPath extracts the routing key (host, path) from a request's
// Host header and its URI, stripping any query string.
func hostAndPath(uri string, headers []zhttp.Header) (host, path string) {
	host, _ = GetHeader(headers, "Host")
	host = strings.ToLower(strings.TrimSpace(host))
	path = uri
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	return host, path
}

func DetectHold(headers []zhttp.Header) (HoldDirective, bool) {
	mode, ok := GetHeader(headers, "Grip-Hold")
	if !ok || mode == "" {
		return HoldDirective{}, false
	}
	channel, _ := GetHeader(headers, "Grip-Channel")
	return HoldDirective{Mode: mode, Channel: channel}, true
}
