package handlers

import (
	"embed"
	"io/fs"
)

//go:embed web/process.html
var processPage string

//go:embed web/js
var scripts embed.FS

// scriptFS exposes the detection page's scripts rooted at /js.
func scriptFS() fs.FS {
	sub, err := fs.Sub(scripts, "web/js")
	if err != nil {
		panic(err)
	}
	return sub
}
