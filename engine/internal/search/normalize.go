package search

import (
	"net/url"
	"sort"
	"strings"
)

// trackingParams are query parameters stripped during normalization; they
// vary per click without changing the resource identity.
var trackingParams = map[string]struct{}{
	"utm_source":   {},
	"utm_medium":   {},
	"utm_campaign": {},
	"utm_term":     {},
	"utm_content":  {},
	"fbclid":       {},
	"gclid":        {},
	"msclkid":      {},
	"mc_cid":       {},
	"mc_eid":       {},
	"ref":          {},
	"ref_src":      {},
}

// NormalizeURL canonicalizes a URL for run-wide deduplication: lowercased
// scheme and host, fragment removed, trailing slash trimmed, tracking
// parameters stripped, remaining query sorted. Idempotent by construction;
// unparseable input is returned trimmed but otherwise untouched.
func NormalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""
	u.Path = strings.TrimSuffix(u.Path, "/")

	if u.RawQuery != "" {
		values := u.Query()
		kept := url.Values{}
		for key, vals := range values {
			if _, tracked := trackingParams[strings.ToLower(key)]; tracked {
				continue
			}
			kept[key] = vals
		}
		u.RawQuery = encodeSorted(kept)
	}
	return u.String()
}

// encodeSorted renders query values with deterministic key order.
func encodeSorted(v url.Values) string {
	if len(v) == 0 {
		return ""
	}
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		for _, val := range v[k] {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(val))
		}
	}
	return b.String()
}
