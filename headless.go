//go:build !cgo && !windows

package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/browser"
)

// run waits for SIGINT or SIGTERM when no tray is available.
func run(app *App, url string, openBrowser bool) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if openBrowser {
		if err := browser.OpenURL(url); err != nil {
			log.Printf("Open %s in a browser", url)
		}
	}
	<-ctx.Done()
	app.shutdown()
}
