package offlinegw

import (
	"net/http"
	"net/url"
	"path"
	"strings"
)

// Class is the routing decision for one request.
type Class string

const (
	ClassSkip        Class = "skip"
	ClassStaticAsset Class = "static-asset"
	ClassRemoteAPI   Class = "remote-api"
	ClassOther       Class = "other"
)

// Strategy names the executor a class is served by.
type Strategy string

const (
	StrategyNone         Strategy = "none"
	StrategyCacheFirst   Strategy = "cache-first"
	StrategyNetworkFirst Strategy = "network-first"
)

func (c Class) Strategy() Strategy {
	switch c {
	case ClassStaticAsset:
		return StrategyCacheFirst
	case ClassRemoteAPI, ClassOther:
		return StrategyNetworkFirst
	default:
		return StrategyNone
	}
}

// Selector classifies requests. It is immutable once built and safe for
// concurrent use.
type Selector struct {
	manifest       map[string]struct{}
	staticPrefixes []string
	extensions     map[string]struct{}
	apiHosts       []hostMatcher
	apiPrefixes    []string
}

// hostMatcher matches a hostname exactly, or any subdomain for "*.suffix".
type hostMatcher struct {
	exact  string
	suffix string
}

func (m hostMatcher) Match(host string) bool {
	if m.suffix != "" {
		return strings.HasSuffix(host, m.suffix) && len(host) > len(m.suffix)
	}
	return host == m.exact
}

func NewSelector(cfg Config) *Selector {
	s := &Selector{
		manifest:       make(map[string]struct{}, len(cfg.Cache.Manifest)),
		staticPrefixes: append([]string(nil), cfg.Cache.StaticPrefixes...),
		extensions:     make(map[string]struct{}, len(cfg.Cache.StaticExtensions)),
		apiPrefixes:    append([]string(nil), cfg.API.Prefixes...),
	}
	for _, p := range cfg.Cache.Manifest {
		s.manifest[p] = struct{}{}
	}
	for _, e := range cfg.Cache.StaticExtensions {
		s.extensions[strings.ToLower(e)] = struct{}{}
	}
	for _, h := range cfg.API.Hosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h == "" {
			continue
		}
		if strings.HasPrefix(h, "*.") {
			s.apiHosts = append(s.apiHosts, hostMatcher{suffix: h[1:]})
		} else {
			s.apiHosts = append(s.apiHosts, hostMatcher{exact: h})
		}
	}
	return s
}

// Classify decides how a request is served. Rules apply in order: non-GET is
// skipped, then static assets, then remote API calls, then everything else.
func (s *Selector) Classify(method string, u *url.URL) Class {
	if !strings.EqualFold(method, http.MethodGet) {
		return ClassSkip
	}
	p := u.Path
	if p == "" {
		p = "/"
	}

	if _, ok := s.manifest[p]; ok {
		return ClassStaticAsset
	}
	for _, prefix := range s.staticPrefixes {
		if strings.HasPrefix(p, prefix) {
			return ClassStaticAsset
		}
	}
	if _, ok := s.extensions[strings.ToLower(path.Ext(p))]; ok {
		return ClassStaticAsset
	}

	host := strings.ToLower(u.Hostname())
	for _, m := range s.apiHosts {
		if m.Match(host) {
			return ClassRemoteAPI
		}
	}
	for _, prefix := range s.apiPrefixes {
		if strings.HasPrefix(p, prefix) {
			return ClassRemoteAPI
		}
	}
	return ClassOther
}

// IsManifestPath reports whether p is part of the static manifest.
func (s *Selector) IsManifestPath(p string) bool {
	_, ok := s.manifest[p]
	return ok
}
