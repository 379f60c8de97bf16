// Command guesthttpd serves the routes of a WebAssembly guest module.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/searchktools/guesthttp/app"
	"github.com/searchktools/guesthttp/config"
)

func main() {
	cfg, err := config.Parse(os.Args[0], os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	a, err := app.New(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := a.Run(context.Background()); err != nil {
		os.Exit(1)
	}
}
