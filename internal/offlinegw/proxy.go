package offlinegw

import (
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// SourceHeader tells clients of the proxy how a response was produced.
const SourceHeader = "X-Offlinegw"

// hopHeaders belong to a single connection and are not forwarded.
var hopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Proxy-Connection":    {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// ServeHTTP runs the gateway as a reverse proxy in front of server.origin.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	req, err := g.outboundRequest(r)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	out, err := g.Fetch(r.Context(), req)
	if err != nil {
		if r.Context().Err() == nil {
			g.log.Debug("upstream failed", zap.String("method", r.Method), zap.String("url", req.URL.String()), zap.Error(err))
		}
		setSourceHeader(w.Header(), "bad-gateway")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	writeResponse(w, out)
}

// outboundRequest rewrites r onto the origin. Method, body and headers other
// than Host and hop-by-hop ones pass through unchanged.
func (g *Gateway) outboundRequest(r *http.Request) (*http.Request, error) {
	target := g.cfg.Server.Origin + r.URL.RequestURI()
	body := r.Body
	if r.ContentLength == 0 {
		body = http.NoBody
	}
	req, err := http.NewRequestWithContext(r.Context(), r.Method, target, body)
	if err != nil {
		return nil, err
	}
	req.ContentLength = r.ContentLength
	copyHeaders(req.Header, r.Header)
	// Cache identity ignores Accept-Encoding, so stored bodies stay unencoded.
	req.Header.Set("Accept-Encoding", "identity")
	return req, nil
}

func writeResponse(w http.ResponseWriter, out Outcome) {
	resp := out.Response
	defer resp.Body.Close()

	copyHeaders(w.Header(), resp.Header)
	w.Header().Del(SourceHeader)
	setSourceHeader(w.Header(), string(out.Source))
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		if _, hop := hopHeaders[http.CanonicalHeaderKey(k)]; hop {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func setSourceHeader(h http.Header, source string) {
	if source != "" {
		h.Set(SourceHeader, source)
	}
	// Browsers hide custom headers from cross-origin scripts unless exposed.
	ensureExposedHeader(h, SourceHeader)
}

func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}
