package domain

import (
	"net"
	"net/url"
	"strings"
)

var trackingParams = map[string]struct{}{
	"fbclid": {},
	"gclid":  {},
	"mc_cid": {},
	"mc_eid": {},
	"ocid":   {},
}

// NormalizeURL canonicalizes a story URL so that the same article found by
// different sources, or on different runs, maps to one ledger key.
func NormalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return strings.ToLower(raw)
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme == "https" || scheme == "" {
		scheme = "http"
	}
	u.Scheme = scheme

	host := strings.ToLower(u.Host)
	if h, port, splitErr := net.SplitHostPort(host); splitErr == nil && (port == "80" || port == "443") {
		host = h
	}
	u.Host = strings.TrimPrefix(host, "www.")

	u.Fragment = ""
	u.RawFragment = ""
	u.User = nil

	q := u.Query()
	for k := range q {
		lk := strings.ToLower(k)
		if strings.HasPrefix(lk, "utm_") {
			q.Del(k)
			continue
		}
		if _, ok := trackingParams[lk]; ok {
			q.Del(k)
		}
	}
	u.RawQuery = q.Encode()

	u.Path = strings.TrimRight(u.Path, "/")
	u.RawPath = ""

	return u.String()
}

// CanonicalDomain returns the host of a URL without a leading www.
func CanonicalDomain(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}
