// Package util provides common utilities shared across adapters.
package util

import (
	"fmt"
	"net/url"
	"strings"
)

// NormalizeServerURL canonicalises a server URL for deduplication:
// lowercase scheme/host, default ports stripped (80/http, 443/https),
// trailing path slashes removed. normalize(normalize(u)) == normalize(u).
func NormalizeServerURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("invalid server url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("server url must have scheme and host")
	}

	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()

	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}

	hostport := host
	if strings.Contains(host, ":") {
		hostport = "[" + host + "]" // IPv6 literal keeps its brackets
	}
	if port != "" {
		hostport += ":" + port
	}

	path := strings.TrimRight(u.Path, "/")

	normalized := scheme + "://" + hostport + path
	return normalized, nil
}

// JoinURLPath concatenates a base URL with a path without letting a
// leading "/" in path reset the base to an absolute root the way
// url.ResolveReference would.
func JoinURLPath(baseURL, path string) string {
	if baseURL == "" {
		return path
	}
	if path == "" {
		return baseURL
	}

	baseHasSlash := baseURL[len(baseURL)-1] == '/'
	pathHasSlash := path[0] == '/'

	switch {
	case baseHasSlash && pathHasSlash:
		return baseURL + path[1:]
	case !baseHasSlash && !pathHasSlash:
		return baseURL + "/" + path
	default:
		return baseURL + path
	}
}
