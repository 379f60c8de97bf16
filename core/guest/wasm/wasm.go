// Package wasm runs WebAssembly modules as guest handlers.
//
// A module is compiled once. Each worker that replays the registration gets
// its own instance, so guest state is never shared between event loops.
// Exported handler functions take no arguments and return an i32, zero for
// success. They talk to the host through the "guesthttp" import module:
//
//	response_status(code i32) i32
//	response_header(name_ptr, name_len, value_ptr, value_len i32) i32
//	response_write(ptr, len i32) i32
//	request_info(ptr, cap i32) i32
//	request_read(ptr, cap i32) i32
//
// request_info copies the protobuf encoding of a google.protobuf.Struct
// describing the request into guest memory and returns its length. When cap
// is too small nothing is copied and the required length is returned.
// request_read copies up to cap bytes of the request body that were not read
// yet and returns how many it copied, 0 once the body is exhausted. The body
// is collected before the export runs; bodies larger than the module's body
// limit are answered with 413 without calling the guest.
// The other functions return 0 on success and -1 on failure.
package wasm

import (
	"context"
	"errors"
	"fmt"
	nethttp "net/http"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/valyala/bytebufferpool"
	"go.uber.org/zap"

	"github.com/searchktools/guesthttp/core/guest"
	"github.com/searchktools/guesthttp/core/http"
	"github.com/searchktools/guesthttp/core/stream"
)

// HostModule is the import module name guests link against.
const HostModule = "guesthttp"

// DefaultBodyLimit caps the request body handed to a guest.
const DefaultBodyLimit = 1 << 20

var (
	ErrMissingExport = errors.New("wasm: export not found")
	ErrBadSignature  = errors.New("wasm: export must have signature () -> i32")
	ErrGuestFailed   = errors.New("wasm: guest handler failed")
)

// Route binds an exported function to a route.
type Route struct {
	Method string `yaml:"method"`
	Path   string `yaml:"path"`
	Export string `yaml:"export"`
}

// Module is a compiled guest module.
type Module struct {
	// BodyLimit caps collected request bodies for routes registered after
	// it is set. Zero or less means no limit.
	BodyLimit int

	name     string
	rt       wazero.Runtime
	compiled wazero.CompiledModule
	log      *zap.Logger
	seq      atomic.Uint64
}

// Compile compiles code and links it against the host functions.
func Compile(ctx context.Context, name string, code []byte, log *zap.Logger) (*Module, error) {
	if log == nil {
		log = zap.NewNop()
	}
	rt := wazero.NewRuntime(ctx)

	i32 := api.ValueTypeI32
	_, err := rt.NewHostModuleBuilder(HostModule).
		NewFunctionBuilder().WithGoModuleFunction(api.GoModuleFunc(responseStatus), []api.ValueType{i32}, []api.ValueType{i32}).Export("response_status").
		NewFunctionBuilder().WithGoModuleFunction(api.GoModuleFunc(responseHeader), []api.ValueType{i32, i32, i32, i32}, []api.ValueType{i32}).Export("response_header").
		NewFunctionBuilder().WithGoModuleFunction(api.GoModuleFunc(responseWrite), []api.ValueType{i32, i32}, []api.ValueType{i32}).Export("response_write").
		NewFunctionBuilder().WithGoModuleFunction(api.GoModuleFunc(requestInfo), []api.ValueType{i32, i32}, []api.ValueType{i32}).Export("request_info").
		NewFunctionBuilder().WithGoModuleFunction(api.GoModuleFunc(requestRead), []api.ValueType{i32, i32}, []api.ValueType{i32}).Export("request_read").
		Instantiate(ctx)
	if err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("wasm: host module: %w", err)
	}

	compiled, err := rt.CompileModule(ctx, code)
	if err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("wasm: compile %s: %w", name, err)
	}
	return &Module{
		BodyLimit: DefaultBodyLimit,
		name:      name,
		rt:        rt,
		compiled:  compiled,
		log:       log.With(zap.String("module", name)),
	}, nil
}

// Close releases the runtime and every instance.
func (m *Module) Close(ctx context.Context) error {
	return m.rt.Close(ctx)
}

// Entrypoint returns registration code that instantiates the module and
// registers routes bound to that instance. Every call creates a new instance.
func (m *Module) Entrypoint(routes []Route) guest.Entrypoint {
	return func(r guest.Registrar) error {
		inst, err := m.instantiate(context.Background())
		if err != nil {
			return err
		}
		for _, rt := range routes {
			fn := inst.mod.ExportedFunction(rt.Export)
			if fn == nil {
				return fmt.Errorf("%w: %s", ErrMissingExport, rt.Export)
			}
			def := fn.Definition()
			if len(def.ParamTypes()) != 0 || len(def.ResultTypes()) != 1 || def.ResultTypes()[0] != api.ValueTypeI32 {
				return fmt.Errorf("%w: %s", ErrBadSignature, rt.Export)
			}
			if err := r.Handle(rt.Method, rt.Path, &handler{inst: inst, fn: fn, export: rt.Export, limit: m.BodyLimit}); err != nil {
				return err
			}
		}
		return nil
	}
}

type instance struct {
	mod  api.Module
	log  *zap.Logger
	call *call
}

func (m *Module) instantiate(ctx context.Context) (*instance, error) {
	name := fmt.Sprintf("%s#%d", m.name, m.seq.Add(1))
	mod, err := m.rt.InstantiateModule(ctx, m.compiled, wazero.NewModuleConfig().WithName(name).WithStartFunctions())
	if err != nil {
		return nil, fmt.Errorf("wasm: instantiate %s: %w", name, err)
	}
	m.log.Debug("instance created", zap.String("instance", name))
	return &instance{mod: mod, log: m.log.With(zap.String("instance", name))}, nil
}

type instanceKey struct{}

// call is the state of one handler invocation.
type call struct {
	req    *http.Request
	resp   *http.Response
	ctx    *http.Context
	status int
	body   *bytebufferpool.ByteBuffer
	info   []byte
	input  []byte
	read   int
}

type handler struct {
	inst   *instance
	fn     api.Function
	export string
	limit  int
}

// Invoke collects the request body and then runs the export. When the body is
// already complete the export runs before Invoke returns and its error is
// returned; otherwise it runs on the loop once the last byte arrives.
func (h *handler) Invoke(req *http.Request, resp *http.Response, ctx *http.Context) error {
	if req.Body == nil {
		return h.run(req, resp, ctx, nil)
	}
	var (
		inline = true
		result error
	)
	err := stream.Collect(req.Body, h.limit, func(input []byte, err error) {
		switch {
		case errors.Is(err, stream.ErrBodyTooLarge):
			resp.Fail(nethttp.StatusRequestEntityTooLarge)
			return
		case err != nil:
			// the connection answers broken bodies itself
			h.inst.log.Debug("request body failed", zap.String("export", h.export), zap.Error(err))
			return
		}
		err = h.run(req, resp, ctx, input)
		if inline {
			result = err
			return
		}
		if err != nil {
			h.inst.log.Warn("guest handler failed", zap.String("export", h.export), zap.Error(err))
			if !resp.Fail(nethttp.StatusInternalServerError) {
				resp.Abort(err)
			}
		}
	})
	inline = false
	if err != nil {
		return err
	}
	return result
}

func (h *handler) run(req *http.Request, resp *http.Response, ctx *http.Context, input []byte) error {
	c := &call{req: req, resp: resp, ctx: ctx, status: 200, body: bytebufferpool.Get(), input: input}
	defer bytebufferpool.Put(c.body)

	h.inst.call = c
	defer func() { h.inst.call = nil }()

	results, err := h.fn.Call(context.WithValue(context.Background(), instanceKey{}, h.inst))
	if err != nil {
		return fmt.Errorf("wasm: %s: %w", h.export, err)
	}
	if rc := api.DecodeI32(results[0]); rc != 0 {
		return fmt.Errorf("%w: %s returned %d", ErrGuestFailed, h.export, rc)
	}
	return resp.Send(c.status, c.body.B)
}

func current(ctx context.Context) *call {
	inst, _ := ctx.Value(instanceKey{}).(*instance)
	if inst == nil {
		return nil
	}
	return inst.call
}

const (
	ok   = uint64(0)
	fail = uint64(0xFFFFFFFF) // -1 as i32
)

func responseStatus(ctx context.Context, _ api.Module, stack []uint64) {
	c := current(ctx)
	code := int(api.DecodeI32(stack[0]))
	if c == nil || code < 100 || code > 999 {
		stack[0] = fail
		return
	}
	c.status = code
	stack[0] = ok
}

func responseHeader(ctx context.Context, mod api.Module, stack []uint64) {
	c := current(ctx)
	mem := mod.Memory()
	if c == nil || mem == nil {
		stack[0] = fail
		return
	}
	name, ok1 := mem.Read(api.DecodeU32(stack[0]), api.DecodeU32(stack[1]))
	value, ok2 := mem.Read(api.DecodeU32(stack[2]), api.DecodeU32(stack[3]))
	if !ok1 || !ok2 || c.resp.SetHeader(string(name), string(value)) != nil {
		stack[0] = fail
		return
	}
	stack[0] = ok
}

func responseWrite(ctx context.Context, mod api.Module, stack []uint64) {
	c := current(ctx)
	mem := mod.Memory()
	if c == nil || mem == nil {
		stack[0] = fail
		return
	}
	data, valid := mem.Read(api.DecodeU32(stack[0]), api.DecodeU32(stack[1]))
	if !valid {
		stack[0] = fail
		return
	}
	c.body.B = append(c.body.B, data...)
	stack[0] = ok
}

func requestInfo(ctx context.Context, mod api.Module, stack []uint64) {
	c := current(ctx)
	mem := mod.Memory()
	if c == nil || mem == nil {
		stack[0] = fail
		return
	}
	if c.info == nil {
		info, err := EncodeRequestInfo(c.req, c.ctx)
		if err != nil {
			stack[0] = fail
			return
		}
		c.info = info
	}
	ptr, capacity := api.DecodeU32(stack[0]), api.DecodeU32(stack[1])
	if int(capacity) >= len(c.info) && !mem.Write(ptr, c.info) {
		stack[0] = fail
		return
	}
	stack[0] = api.EncodeI32(int32(len(c.info)))
}

func requestRead(ctx context.Context, mod api.Module, stack []uint64) {
	c := current(ctx)
	mem := mod.Memory()
	if c == nil || mem == nil {
		stack[0] = fail
		return
	}
	ptr, capacity := api.DecodeU32(stack[0]), api.DecodeU32(stack[1])
	n := min(int(capacity), len(c.input)-c.read)
	if n > 0 && !mem.Write(ptr, c.input[c.read:c.read+n]) {
		stack[0] = fail
		return
	}
	c.read += n
	stack[0] = api.EncodeI32(int32(n))
}
