//go:build cgo || windows

package main

import (
	"log"

	"github.com/getlantern/systray"
	"github.com/pkg/browser"
)

// run hands control to the tray icon and blocks until Quit.
func run(app *App, url string, openBrowser bool) {
	systray.Run(func() { onReady(url, openBrowser) }, app.shutdown)
}

// -----------------------------------------------------------------------------
// systray lifecycle hooks
// -----------------------------------------------------------------------------

func onReady(url string, openBrowser bool) {
	icon, err := trayIcon()
	if err != nil {
		log.Printf("tray: icon: %v", err)
	} else {
		systray.SetTemplateIcon(icon, icon)
	}
	systray.SetTitle("Artyficial Camera")
	systray.SetTooltip("Artyficial Camera – click to open UI")

	openItem := systray.AddMenuItem("Open Camera", "Launch the browser")
	libraryItem := systray.AddMenuItem("Open Library", "Browse saved photos")
	systray.AddSeparator()
	quitItem := systray.AddMenuItem("Quit", "Shut down Artyficial Camera")

	if openBrowser {
		_ = browser.OpenURL(url)
	}

	for {
		select {
		case <-openItem.ClickedCh:
			_ = browser.OpenURL(url)
		case <-libraryItem.ClickedCh:
			_ = browser.OpenURL(url + "photos")
		case <-quitItem.ClickedCh:
			systray.Quit()
			return
		}
	}
}
