package ui

import (
	"embed"
	"io"
	"io/fs"
	"net/http"
	"time"
)

//go:embed dist/*
var distFS embed.FS

// Handler serves the embedded run-board dashboard. Unknown paths fall back to
// index.html so a refreshed browser tab never 404s.
func Handler() http.Handler {
	sub, _ := fs.Sub(distFS, "dist")
	fileServer := http.FileServer(http.FS(sub))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		if path == "" || path == "/" {
			path = "/index.html"
		}
		fsPath := path
		if len(fsPath) > 0 && fsPath[0] == '/' {
			fsPath = fsPath[1:]
		}
		f, err := sub.Open(fsPath)
		if err != nil {
			idx, err := sub.Open("index.html")
			if err != nil {
				http.NotFound(w, r)
				return
			}
			defer idx.Close()
			var modTime time.Time
			if stat, err := idx.Stat(); err == nil {
				modTime = stat.ModTime()
			}
			if rs, ok := idx.(io.ReadSeeker); ok {
				http.ServeContent(w, r, "index.html", modTime, rs)
			} else {
				http.NotFound(w, r)
			}
			return
		}
		_ = f.Close()
		fileServer.ServeHTTP(w, r)
	})
}
