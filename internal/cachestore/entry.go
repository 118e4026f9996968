package cachestore

import (
	"bytes"
	"hash/crc32"
	"io"
	"net/http"
	"strconv"
	"time"
)

// Entry is an immutable snapshot of a response taken at write time.
type Entry struct {
	URL      string      `cbor:"1,keyasint"`
	Status   int         `cbor:"2,keyasint"`
	Header   http.Header `cbor:"3,keyasint"`
	Body     []byte      `cbor:"4,keyasint"`
	StoredAt int64       `cbor:"5,keyasint"` // unix seconds
	Hash32   uint32      `cbor:"6,keyasint"`
}

// SnapshotResponse consumes resp.Body once and returns a snapshot of it. The
// body of resp is replaced by a fresh reader over the same bytes, so the caller
// still receives the response unchanged.
func SnapshotResponse(resp *http.Response) (Entry, error) {
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		// The caller still sees what arrived, followed by the read error.
		resp.Body = io.NopCloser(io.MultiReader(bytes.NewReader(body), errReader{err}))
		return Entry{}, err
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))

	ent := Entry{
		Status:   resp.StatusCode,
		Header:   cloneHeader(resp.Header),
		Body:     body,
		StoredAt: time.Now().Unix(),
		Hash32:   crc32.ChecksumIEEE(body),
	}
	if resp.Request != nil && resp.Request.URL != nil {
		ent.URL = NormalizeURL(resp.Request.URL)
	}
	ent.Header.Del("Content-Length")
	return ent, nil
}

// Response materializes a new response from the snapshot. Every call returns an
// independent body reader; the snapshot itself is never handed out.
func (e Entry) Response(req *http.Request) *http.Response {
	h := cloneHeader(e.Header)
	h.Set("Content-Length", strconv.Itoa(len(e.Body)))
	return &http.Response{
		Status:        strconv.Itoa(e.Status) + " " + http.StatusText(e.Status),
		StatusCode:    e.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}

type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }
