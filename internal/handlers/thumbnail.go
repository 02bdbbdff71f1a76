package handlers

import (
	"net/http"
	"path/filepath"
	"strings"

	"imagesearch/internal/storage"

	"github.com/go-chi/chi/v5"
)

// StaticHandler serves originals and thumbnails from a filesystem root.
// Soft-deleted files under _deleted/ are never served.
func StaticHandler(root string) http.HandlerFunc {
	files := http.FileServer(http.Dir(root))
	return func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(filepath.ToSlash(filepath.Clean("/"+chi.URLParam(r, "*"))), "/")
		if name == "" || name == "." || name == storage.DeletedDir || strings.HasPrefix(name, storage.DeletedDir+"/") {
			http.NotFound(w, r)
			return
		}
		r.URL.Path = "/" + name
		files.ServeHTTP(w, r)
	}
}
