package offlinegw

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

type sitemapDoc struct {
	URLs     []string `xml:"url>loc"`
	Sitemaps []string `xml:"sitemap>loc"`
}

// sitemapDiscoverer walks sitemaps (following nested indexes) and returns the
// same-origin paths they list. Those paths are precached on install.
type sitemapDiscoverer struct {
	fetcher  Fetcher
	origin   string
	sitemaps []string
	log      *zap.Logger
}

func (d *sitemapDiscoverer) Discover(ctx context.Context) ([]string, error) {
	originHost := ""
	if u, err := url.Parse(d.origin); err == nil {
		originHost = strings.ToLower(u.Host)
	}

	seenSitemaps := map[string]struct{}{}
	seenPaths := map[string]struct{}{}
	var out []string

	queue := make([]string, 0, len(d.sitemaps))
	for _, sm := range d.sitemaps {
		if sm = strings.TrimSpace(sm); sm != "" {
			queue = append(queue, d.absolute(sm))
		}
	}

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		smURL := queue[0]
		queue = queue[1:]
		if _, ok := seenSitemaps[smURL]; ok {
			continue
		}
		seenSitemaps[smURL] = struct{}{}

		doc, err := d.fetchAndParse(ctx, smURL)
		if err != nil {
			return out, fmt.Errorf("fetch sitemap %q: %w", smURL, err)
		}
		for _, nested := range doc.Sitemaps {
			if nested != "" {
				queue = append(queue, d.absolute(nested))
			}
		}

		kept := 0
		for _, loc := range doc.URLs {
			p, ok := pathFromLoc(loc, originHost)
			if !ok {
				continue
			}
			if _, dup := seenPaths[p]; dup {
				continue
			}
			seenPaths[p] = struct{}{}
			out = append(out, p)
			kept++
		}
		d.log.Debug("sitemap read", zap.String("sitemap", smURL), zap.Int("urls", len(doc.URLs)), zap.Int("kept", kept))
	}
	return out, nil
}

func (d *sitemapDiscoverer) absolute(u string) string {
	if strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return u
	}
	if !strings.HasPrefix(u, "/") {
		u = "/" + u
	}
	return d.origin + u
}

func (d *sitemapDiscoverer) fetchAndParse(ctx context.Context, sitemapURL string) (sitemapDoc, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sitemapURL, nil)
	if err != nil {
		return sitemapDoc{}, err
	}
	resp, err := d.fetcher.Do(req)
	if err != nil {
		return sitemapDoc{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return sitemapDoc{}, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return sitemapDoc{}, err
	}

	// .gz sitemaps may or may not have been decoded by the transport already.
	if strings.HasSuffix(strings.ToLower(sitemapURL), ".gz") || (len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b) {
		if gz, err := gzip.NewReader(bytes.NewReader(body)); err == nil {
			if unzipped, err := io.ReadAll(gz); err == nil {
				body = unzipped
			}
			_ = gz.Close()
		}
	}

	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return sitemapDoc{}, err
	}
	for i := range doc.URLs {
		doc.URLs[i] = strings.TrimSpace(doc.URLs[i])
	}
	for i := range doc.Sitemaps {
		doc.Sitemaps[i] = strings.TrimSpace(doc.Sitemaps[i])
	}
	return doc, nil
}

// pathFromLoc turns a sitemap <loc> into a path. Absolute URLs on another host
// are rejected; relative locs are taken as paths.
func pathFromLoc(loc, originHost string) (string, bool) {
	loc = strings.TrimSpace(loc)
	if loc == "" {
		return "", false
	}
	if strings.HasPrefix(loc, "http://") || strings.HasPrefix(loc, "https://") {
		u, err := url.Parse(loc)
		if err != nil {
			return "", false
		}
		if originHost != "" && !strings.EqualFold(u.Host, originHost) {
			return "", false
		}
		p := u.EscapedPath()
		if p == "" {
			p = "/"
		}
		if u.RawQuery != "" {
			p += "?" + u.RawQuery
		}
		return p, true
	}
	if !strings.HasPrefix(loc, "/") {
		loc = "/" + loc
	}
	return loc, true
}
