package http

import (
	"net/textproto"
	"sync"

	"github.com/searchktools/guesthttp/core/stream"
)

// Request is a decoded HTTP/1.x request head plus its streamed body.
type Request struct {
	Method     string
	Path       string
	RawQuery   string
	Proto      string
	ProtoMajor int
	ProtoMinor int

	// Predefined common header fields
	ContentType string
	UserAgent   string
	Accept      string
	Host        string
	Connection  string

	// Extra headers keyed by canonical name (allocated only when needed)
	ExtraHeaders map[string]string

	// Query parameters (parsed lazily)
	query map[string]string

	// ContentLength is -1 when the body is chunked.
	ContentLength int64
	Chunked       bool
	KeepAlive     bool
	RemoteAddr    string

	// Body is fed by the connection while the handler pulls from it.
	Body *stream.Consumable
}

var requestPool = sync.Pool{
	New: func() any {
		return &Request{}
	},
}

func AcquireRequest() *Request {
	return requestPool.Get().(*Request)
}

// Reset resets the request for reuse
func (r *Request) Reset() {
	r.Method = ""
	r.Path = ""
	r.RawQuery = ""
	r.Proto = ""
	r.ProtoMajor = 0
	r.ProtoMinor = 0
	r.ContentType = ""
	r.UserAgent = ""
	r.Accept = ""
	r.Host = ""
	r.Connection = ""

	for k := range r.ExtraHeaders {
		delete(r.ExtraHeaders, k)
	}
	r.query = nil

	r.ContentLength = 0
	r.Chunked = false
	r.KeepAlive = false
	r.RemoteAddr = ""
	r.Body = nil
}

func ReleaseRequest(req *Request) {
	req.Reset()
	requestPool.Put(req)
}

// SetHeader sets a header (prioritizes predefined fields). Repeated extra
// headers are joined with ", ".
func (r *Request) SetHeader(key, value string) {
	key = textproto.CanonicalMIMEHeaderKey(key)
	switch key {
	case "Content-Type":
		r.ContentType = value
	case "User-Agent":
		r.UserAgent = value
	case "Accept":
		r.Accept = value
	case "Host":
		r.Host = value
	case "Connection":
		if r.Connection != "" {
			value = r.Connection + ", " + value
		}
		r.Connection = value
	default:
		if r.ExtraHeaders == nil {
			r.ExtraHeaders = make(map[string]string)
		}
		if prev, ok := r.ExtraHeaders[key]; ok {
			value = prev + ", " + value
		}
		r.ExtraHeaders[key] = value
	}
}

// Header returns a request header value. Lookup is case-insensitive.
func (r *Request) Header(key string) string {
	key = textproto.CanonicalMIMEHeaderKey(key)
	switch key {
	case "Content-Type":
		return r.ContentType
	case "User-Agent":
		return r.UserAgent
	case "Accept":
		return r.Accept
	case "Host":
		return r.Host
	case "Connection":
		return r.Connection
	}
	return r.ExtraHeaders[key]
}

// VisitHeaders calls fn for every header carried by the request.
func (r *Request) VisitHeaders(fn func(key, value string)) {
	for _, h := range [...]struct{ k, v string }{
		{"Host", r.Host},
		{"User-Agent", r.UserAgent},
		{"Accept", r.Accept},
		{"Content-Type", r.ContentType},
		{"Connection", r.Connection},
	} {
		if h.v != "" {
			fn(h.k, h.v)
		}
	}
	for k, v := range r.ExtraHeaders {
		fn(k, v)
	}
}

// Query returns a query parameter
func (r *Request) Query(key string) string {
	if r.query == nil {
		r.query = parseQuery(r.RawQuery)
	}
	return r.query[key]
}
