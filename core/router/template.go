package router

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/searchktools/guesthttp/core/http"
)

// ErrInvalidTemplate is returned for malformed route templates.
var ErrInvalidTemplate = errors.New("router: invalid route template")

var varName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Template is a compiled route pattern with an optional method filter.
type Template struct {
	method  string // upper case; empty matches any method
	path    string // empty matches any path
	pattern *regexp.Regexp
	names   []string
	literal bool
}

// Compile turns a route template into a matcher. Segments of the form :name
// capture one path segment; everything else matches verbatim. An empty or
// "*" method or path matches anything.
func Compile(method, path string) (*Template, error) {
	t := &Template{}
	if method != "" && method != "*" {
		t.method = strings.ToUpper(method)
	}
	if path == "" || path == "*" {
		return t, nil
	}
	if path[0] != '/' {
		return nil, fmt.Errorf("%w: %q must start with '/'", ErrInvalidTemplate, path)
	}
	t.path = path

	var expr strings.Builder
	expr.WriteByte('^')
	segments := strings.Split(path[1:], "/")
	for _, seg := range segments {
		expr.WriteByte('/')
		if !strings.HasPrefix(seg, ":") {
			expr.WriteString(regexp.QuoteMeta(seg))
			continue
		}
		name := seg[1:]
		if !varName.MatchString(name) {
			return nil, fmt.Errorf("%w: bad variable name %q in %q", ErrInvalidTemplate, name, path)
		}
		for _, seen := range t.names {
			if seen == name {
				return nil, fmt.Errorf("%w: duplicate variable %q in %q", ErrInvalidTemplate, name, path)
			}
		}
		t.names = append(t.names, name)
		expr.WriteString(`([^/]+)`)
	}
	expr.WriteByte('$')

	pattern, err := regexp.Compile(expr.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTemplate, err)
	}
	t.pattern = pattern
	t.literal = len(t.names) == 0
	return t, nil
}

// Key returns the routing key: lower-cased method and path, with "*" for a
// wildcard.
func (t *Template) Key() string {
	return Key(t.method, t.path)
}

// Key builds the routing key for a method and path.
func Key(method, path string) string {
	if method == "" {
		method = "*"
	}
	if path == "" {
		path = "*"
	}
	return strings.ToLower(method) + " " + strings.ToLower(path)
}

// Method returns the method filter, empty for any.
func (t *Template) Method() string {
	return t.method
}

// Path returns the template source, empty for any.
func (t *Template) Path() string {
	return t.path
}

// Names returns the variable names in template order.
func (t *Template) Names() []string {
	return t.names
}

// Match reports whether req satisfies the template. Captured variables are
// stored in ctx only when the whole template matches.
func (t *Template) Match(req *http.Request, ctx *http.Context) bool {
	if t.method != "" && !strings.EqualFold(req.Method, t.method) {
		return false
	}
	if t.path == "" {
		return true
	}
	if t.literal {
		return req.Path == t.path
	}

	m := t.pattern.FindStringSubmatch(req.Path)
	if len(m) != len(t.names)+1 {
		return false
	}
	params := make(map[string]string, len(t.names))
	for i, name := range t.names {
		v := m[i+1]
		if v == "" {
			return false
		}
		if u, err := url.PathUnescape(v); err == nil {
			v = u
		}
		params[name] = v
	}
	if ctx != nil {
		ctx.SetParams(params)
	}
	return true
}
