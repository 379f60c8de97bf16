package http

import (
	"bytes"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// DefaultMaxHeaderBytes caps the request line plus headers.
const DefaultMaxHeaderBytes = 16 << 10

var (
	crlfcrlf = []byte("\r\n\r\n")
	lflf     = []byte("\n\n")
)

// ParseHead decodes one request head from the start of data. It returns the
// request and the number of bytes consumed. When the head is not complete yet
// it returns (nil, 0, nil) and the caller reads more. A head that grows past
// maxHeaderBytes fails with ErrHeaderTooLarge.
func ParseHead(data []byte, maxHeaderBytes int) (*Request, int, error) {
	if maxHeaderBytes <= 0 {
		maxHeaderBytes = DefaultMaxHeaderBytes
	}

	// Leading empty lines before a request line are ignored
	skip := 0
	for skip < len(data) && (data[skip] == '\r' || data[skip] == '\n') {
		skip++
	}
	head := data[skip:]

	end, termLen := headEnd(head)
	if end == -1 {
		if len(head) > maxHeaderBytes {
			return nil, 0, ErrHeaderTooLarge
		}
		return nil, 0, nil
	}
	if end > maxHeaderBytes {
		return nil, 0, ErrHeaderTooLarge
	}

	req := AcquireRequest()
	if err := parseHead(req, head[:end]); err != nil {
		ReleaseRequest(req)
		return nil, 0, err
	}
	return req, skip + end + termLen, nil
}

func headEnd(data []byte) (int, int) {
	crlf := bytes.Index(data, crlfcrlf)
	lf := bytes.Index(data, lflf)
	switch {
	case crlf == -1 && lf == -1:
		return -1, 0
	case lf == -1 || (crlf != -1 && crlf < lf):
		return crlf, len(crlfcrlf)
	default:
		return lf, len(lflf)
	}
}

func parseHead(req *Request, head []byte) error {
	lineEnd := bytes.IndexByte(head, '\n')
	if lineEnd == -1 {
		lineEnd = len(head)
	}
	if err := parseRequestLine(req, trimCR(head[:lineEnd])); err != nil {
		return err
	}

	var (
		contentLength    int64 = -1
		transferEncoding string
		hasTE            bool
	)
	rest := head[min(lineEnd+1, len(head)):]
	for len(rest) > 0 {
		end := bytes.IndexByte(rest, '\n')
		if end == -1 {
			end = len(rest)
		}
		line := trimCR(rest[:end])
		rest = rest[min(end+1, len(rest)):]
		if len(line) == 0 {
			continue
		}
		if line[0] == ' ' || line[0] == '\t' {
			// obsolete line folding
			return ErrInvalidHeader
		}

		colon := bytes.IndexByte(line, ':')
		if colon <= 0 {
			return ErrInvalidHeader
		}
		key := string(line[:colon])
		value := strings.Trim(string(line[colon+1:]), " \t")
		if !httpguts.ValidHeaderFieldName(key) || !httpguts.ValidHeaderFieldValue(value) {
			return ErrInvalidHeader
		}

		switch {
		case strings.EqualFold(key, "Content-Length"):
			n, err := strconv.ParseInt(value, 10, 63)
			if err != nil || n < 0 {
				return ErrInvalidContentLength
			}
			if contentLength != -1 && contentLength != n {
				return ErrInvalidContentLength
			}
			contentLength = n
		case strings.EqualFold(key, "Transfer-Encoding"):
			if hasTE {
				transferEncoding += ", " + value
			} else {
				transferEncoding = value
			}
			hasTE = true
		}
		req.SetHeader(key, value)
	}

	switch {
	case hasTE && contentLength != -1:
		return ErrConflictingFraming
	case hasTE:
		if req.ProtoMinor == 0 {
			return ErrConflictingFraming
		}
		if !strings.EqualFold(strings.TrimSpace(transferEncoding), "chunked") {
			return ErrUnsupportedTransferEncoding
		}
		req.Chunked = true
		req.ContentLength = -1
	case contentLength != -1:
		req.ContentLength = contentLength
	default:
		req.ContentLength = 0
	}

	req.KeepAlive = keepAlive(req)
	return nil
}

func parseRequestLine(req *Request, line []byte) error {
	sp1 := bytes.IndexByte(line, ' ')
	if sp1 <= 0 {
		return ErrInvalidRequest
	}
	sp2 := bytes.IndexByte(line[sp1+1:], ' ')
	if sp2 == -1 {
		return ErrInvalidRequest
	}
	sp2 += sp1 + 1

	method := string(line[:sp1])
	target := string(line[sp1+1 : sp2])
	proto := string(line[sp2+1:])
	if !httpguts.ValidHeaderFieldName(method) || target == "" {
		return ErrInvalidRequest
	}

	switch proto {
	case "HTTP/1.1":
		req.ProtoMinor = 1
	case "HTTP/1.0":
		req.ProtoMinor = 0
	default:
		if strings.HasPrefix(proto, "HTTP/") {
			return ErrUnsupportedVersion
		}
		return ErrInvalidRequest
	}
	req.ProtoMajor = 1
	req.Proto = proto
	req.Method = method

	// absolute-form targets carry scheme and authority ahead of the path
	if i := strings.Index(target, "://"); i > 0 && target[0] != '/' {
		target = target[i+3:]
		if slash := strings.IndexByte(target, '/'); slash >= 0 {
			target = target[slash:]
		} else {
			target = "/"
		}
	}
	if target[0] != '/' && target != "*" {
		return ErrInvalidRequest
	}

	if idx := strings.IndexByte(target, '?'); idx != -1 {
		req.RawQuery = target[idx+1:]
		target = target[:idx]
	}
	req.Path = target
	return nil
}

func keepAlive(req *Request) bool {
	conn := []string{req.Connection}
	if req.ProtoMinor == 0 {
		return httpguts.HeaderValuesContainsToken(conn, "keep-alive")
	}
	return !httpguts.HeaderValuesContainsToken(conn, "close")
}

func trimCR(line []byte) []byte {
	if len(line) > 0 && line[len(line)-1] == '\r' {
		return line[:len(line)-1]
	}
	return line
}

// parseQuery parses query parameters
func parseQuery(raw string) map[string]string {
	query := make(map[string]string)
	for raw != "" {
		var pair string
		pair, raw, _ = strings.Cut(raw, "&")
		if pair == "" {
			continue
		}
		k, v, _ := strings.Cut(pair, "=")
		if uk, err := url.QueryUnescape(k); err == nil {
			k = uk
		}
		if uv, err := url.QueryUnescape(v); err == nil {
			v = uv
		}
		if _, ok := query[k]; !ok {
			query[k] = v
		}
	}
	return query
}
