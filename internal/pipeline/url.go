package pipeline

import (
	"fmt"
	"net"
	"net/url"
	"path"
	"strings"
)

var trackingQueryKeys = map[string]struct{}{
	"ref":    {},
	"source": {},
	"spm":    {},
	"from":   {},
	"fbclid": {},
	"gclid":  {},
}

var assetSuffixes = []string{
	".jpg", ".jpeg", ".png", ".gif", ".webp", ".svg", ".ico",
	".pdf", ".xml", ".json", ".zip", ".mp4", ".mp3",
}

var skipLinkPrefixes = []string{"javascript:", "mailto:", "tel:", "#"}

// NormalizeURL standardizes an item URL so equivalent links share one dedup
// key. It lowercases scheme and host, strips default ports, fragments, and
// tracking parameters, folds mobile hosts, and canonicalizes known producer
// shapes (YouTube links in particular). It rejects non-http(s) schemes,
// credentials in the URL, and private or loopback hosts.
func NormalizeURL(raw string) (normalized string, host string, err error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", "", fmt.Errorf("parse url: %w", err)
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.User != nil {
		return "", "", fmt.Errorf("credentials not allowed in url")
	}

	host = strings.ToLower(u.Hostname())
	if host == "" {
		return "", "", fmt.Errorf("missing host")
	}
	if err := ensurePublicHost(host); err != nil {
		return "", "", err
	}
	host = foldMobileHost(host)

	port := u.Port()
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}

	u.Scheme = scheme
	u.Host = host
	if port != "" {
		u.Host = net.JoinHostPort(host, port)
	}
	u.Fragment = ""
	if u.Path == "" {
		u.Path = "/"
	}

	canonicalizeProducerURL(u)

	u.RawQuery = stripTrackingQuery(u.Query())
	return u.String(), u.Hostname(), nil
}

// DomainMatches reports whether host equals domain or is one of its
// subdomains.
func DomainMatches(host, domain string) bool {
	h := strings.Trim(strings.ToLower(strings.TrimSpace(host)), ".")
	d := strings.Trim(strings.ToLower(strings.TrimSpace(domain)), ".")
	if h == "" || d == "" {
		return false
	}
	return h == d || strings.HasSuffix(h, "."+d)
}

// SkippableLink reports whether a feed link can never become an item
// (scripts, mail links, fragments, binary assets).
func SkippableLink(raw string) bool {
	lowered := strings.ToLower(strings.TrimSpace(raw))
	if lowered == "" {
		return true
	}
	for _, prefix := range skipLinkPrefixes {
		if strings.HasPrefix(lowered, prefix) {
			return true
		}
	}
	return LooksLikeAsset(lowered)
}

// LooksLikeAsset reports whether the URL path points at a binary asset
// rather than an article page.
func LooksLikeAsset(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	ext := strings.ToLower(path.Ext(u.Path))
	for _, suffix := range assetSuffixes {
		if ext == suffix {
			return true
		}
	}
	return false
}

func ensurePublicHost(host string) error {
	if host == "localhost" || strings.HasSuffix(host, ".local") {
		return fmt.Errorf("host %q is not public", host)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil
	}
	if ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsMulticast() || ip.IsUnspecified() {
		return fmt.Errorf("host %q is not public", host)
	}
	return nil
}

func foldMobileHost(host string) string {
	for _, prefix := range []string{"m.", "mobile."} {
		trimmed := strings.TrimPrefix(host, prefix)
		if trimmed != host && strings.Contains(trimmed, ".") {
			return trimmed
		}
	}
	return host
}

// canonicalizeProducerURL rewrites known producer-specific URL shapes so
// resubmitting an equivalent link cannot create a duplicate item.
func canonicalizeProducerURL(u *url.URL) {
	switch u.Hostname() {
	case "youtu.be":
		id := strings.Trim(u.Path, "/")
		if id != "" {
			u.Host = "www.youtube.com"
			u.Path = "/watch"
			u.RawQuery = url.Values{"v": []string{id}}.Encode()
		}
	case "youtube.com", "www.youtube.com":
		u.Host = "www.youtube.com"
		if u.Path == "/watch" {
			if v := u.Query().Get("v"); v != "" {
				u.RawQuery = url.Values{"v": []string{v}}.Encode()
			}
		}
	}
}

func stripTrackingQuery(q url.Values) string {
	for key := range q {
		lowered := strings.ToLower(strings.TrimSpace(key))
		if lowered == "" || strings.HasPrefix(lowered, "utm_") {
			q.Del(key)
			continue
		}
		if _, tracking := trackingQueryKeys[lowered]; tracking {
			q.Del(key)
		}
	}
	// Encode sorts keys, giving a stable canonical query.
	return q.Encode()
}
