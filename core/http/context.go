package http

import (
	"github.com/google/uuid"
)

// ParamsKey is the reserved context key holding path variables as
// map[string]string.
const ParamsKey = "params"

// Context is the per-request key-value bag handed to handlers alongside the
// request and response. A fresh Context is created for every request.
type Context struct {
	values    map[string]any
	requestID string
}

// NewContext creates an empty context.
func NewContext() *Context {
	return &Context{}
}

// Get returns the value stored under key.
func (c *Context) Get(key string) (any, bool) {
	v, ok := c.values[key]
	return v, ok
}

// Set stores value under key.
func (c *Context) Set(key string, value any) {
	if c.values == nil {
		c.values = make(map[string]any, 4)
	}
	c.values[key] = value
}

// Delete removes key.
func (c *Context) Delete(key string) {
	delete(c.values, key)
}

// Len returns the number of stored keys.
func (c *Context) Len() int {
	return len(c.values)
}

// Range calls fn for each entry until fn returns false.
func (c *Context) Range(fn func(key string, value any) bool) {
	for k, v := range c.values {
		if !fn(k, v) {
			return
		}
	}
}

// SetParams stores the path variables captured by the router.
func (c *Context) SetParams(params map[string]string) {
	c.Set(ParamsKey, params)
}

// Params returns the captured path variables, or nil when the matching route
// had none.
func (c *Context) Params() map[string]string {
	v, _ := c.values[ParamsKey].(map[string]string)
	return v
}

// Param gets a path parameter
func (c *Context) Param(name string) string {
	return c.Params()[name]
}

// RequestID returns the request id, generating one on first use.
func (c *Context) RequestID() string {
	if c.requestID == "" {
		c.requestID = uuid.NewString()
	}
	return c.requestID
}

// SetRequestID overrides the generated request id, for example with the
// value of an incoming X-Request-Id header.
func (c *Context) SetRequestID(id string) {
	c.requestID = id
}
