package cachestore

import (
	"net"
	"net/http"
	"net/url"
	"strings"
)

// Identity is the cache key of a request: method plus normalized URL.
type Identity struct {
	Method string
	URL    string
}

// NewIdentity builds the identity for a request. The URL is normalized so that
// equivalent spellings of the same resource share one entry.
func NewIdentity(method string, u *url.URL) Identity {
	return Identity{Method: strings.ToUpper(method), URL: NormalizeURL(u)}
}

// Cacheable reports whether entries may be stored or read under this identity.
func (id Identity) Cacheable() bool { return id.Method == http.MethodGet }

// Key is the flat string form used by the backends.
func (id Identity) Key() string { return id.Method + " " + id.URL }

func (id Identity) String() string { return id.Key() }

// ParseKey reverses Key.
func ParseKey(key string) (Identity, bool) {
	method, rest, ok := strings.Cut(key, " ")
	if !ok || method == "" || rest == "" {
		return Identity{}, false
	}
	return Identity{Method: method, URL: rest}, true
}

// NormalizeURL lower-cases scheme and host, strips default ports, forces a
// non-empty path and drops the fragment. The query is kept as sent.
func NormalizeURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	n := *u
	n.Scheme = strings.ToLower(n.Scheme)
	n.Fragment = ""
	n.RawFragment = ""
	n.User = nil

	host := strings.ToLower(n.Host)
	if h, port, err := net.SplitHostPort(host); err == nil {
		if (n.Scheme == "http" && port == "80") || (n.Scheme == "https" && port == "443") {
			host = h
			if strings.Contains(h, ":") {
				host = "[" + h + "]"
			}
		}
	}
	n.Host = host

	if n.Path == "" && n.RawPath == "" && n.Opaque == "" {
		n.Path = "/"
	}
	return n.String()
}
