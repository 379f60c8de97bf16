/*
Package guesthttp is an embeddable HTTP/1.1 engine for guest handlers.

Handlers come from a guest execution environment that is single-threaded:
each event loop gets its own handler instances, created by replaying the
registration code the first time that loop needs them. Requests are routed
in registration order and dispatched on the loop that owns the connection.

Features

  - Transport selection: io_uring, epoll, kqueue or a portable goroutine transport
  - Pull-based request and response bodies with backpressure
  - Thread-affine handler registry with a main worker and one worker per loop
  - Route templates with path variables; first match wins, unmatched requests get 404
  - WebAssembly guests through wazero
  - Structured logging with zap and Prometheus metrics

Quick Start

	package main

	import (
	    "context"
	    "os"

	    "github.com/searchktools/guesthttp/app"
	    "github.com/searchktools/guesthttp/config"
	    "github.com/searchktools/guesthttp/core/http"
	)

	func main() {
	    cfg, _ := config.Parse("hello", os.Args[1:])
	    application, _ := app.New(cfg)

	    application.Engine().GET("/hello/:name", func(req *http.Request, resp *http.Response, ctx *http.Context) error {
	        return resp.Send(200, []byte("Hello, "+ctx.Param("name")))
	    })

	    application.Run(context.Background())
	}

Modules

  - app: Application lifecycle, signals and the metrics listener
  - config: YAML, environment and flag configuration
  - core: The engine and request dispatch
  - core/http: Request head parsing, body decoding and response encoding
  - core/router: Route templates and the ordered routing pipeline
  - core/registry: Per-worker handler maps
  - core/transport: Event loops and the transport selector
  - core/stream: Consumable and producible byte streams
  - core/guest: The guest handler boundary; core/guest/wasm runs WebAssembly modules
  - core/observability: Logging and metrics
  - core/pools: Tiered byte slice pool for body chunks
*/
package guesthttp
