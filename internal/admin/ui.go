// Package admin serves the embedded status page.
package admin

import (
	"embed"
	"io/fs"
	"net/http"
)

//go:embed static/*
var uiFS embed.FS

// Handler serves the status page and its assets. Mount it under a prefix
// with http.StripPrefix.
func Handler() http.Handler {
	sub, _ := fs.Sub(uiFS, "static")
	return http.FileServer(http.FS(sub))
}
