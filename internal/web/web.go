// Package web serves the embedded status page.
package web

import (
	"embed"
	"io/fs"
	"net/http"
)

//go:embed static
var static embed.FS

// Handler returns the handler for the embedded status UI.
func Handler() http.Handler {
	sub, err := fs.Sub(static, "static")
	if err != nil {
		// Embed paths are fixed at compile time; this cannot fail at runtime.
		panic(err)
	}
	return http.FileServer(http.FS(sub))
}
