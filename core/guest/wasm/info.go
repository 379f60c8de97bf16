package wasm

import (
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/searchktools/guesthttp/core/http"
)

// RequestInfo describes req as a structpb.Struct with the fields method,
// path, query, proto, remote_addr, request_id, headers and params.
func RequestInfo(req *http.Request, ctx *http.Context) (*structpb.Struct, error) {
	headers := make(map[string]any)
	req.VisitHeaders(func(key, value string) {
		headers[key] = value
	})
	params := make(map[string]any)
	for k, v := range ctx.Params() {
		params[k] = v
	}
	return structpb.NewStruct(map[string]any{
		"method":      req.Method,
		"path":        req.Path,
		"query":       req.RawQuery,
		"proto":       req.Proto,
		"remote_addr": req.RemoteAddr,
		"request_id":  ctx.RequestID(),
		"headers":     headers,
		"params":      params,
	})
}

// EncodeRequestInfo returns the wire encoding of RequestInfo.
func EncodeRequestInfo(req *http.Request, ctx *http.Context) ([]byte, error) {
	s, err := RequestInfo(req, ctx)
	if err != nil {
		return nil, err
	}
	return proto.MarshalOptions{Deterministic: true}.Marshal(s)
}
