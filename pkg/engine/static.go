package engine

import (
	"io"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"path"
	"strings"
	"sync"
)

// notFoundDocument is served with status 404 when present in the web directory.
const notFoundDocument = "404.html"

var mimeOnce sync.Once

// registerMimeTypes adds the content types served beyond the platform defaults.
func registerMimeTypes() {
	mimeOnce.Do(func() {
		for ext, typ := range map[string]string{
			".sh":  "application/x-sh",
			".csv": "text/csv",
			".gz":  "application/gzip",
			".tgz": "application/x-compressed",
			".zip": "application/zip",
			".pdf": "application/pdf",
		} {
			mime.AddExtensionType(ext, typ)
		}
	})
}

// staticHandler serves files below a web directory. Directories resolve to
// their index.html.
type staticHandler struct {
	fsys fs.FS
}

func newStaticHandler(webDir string) http.Handler {
	if webDir == "" {
		return http.HandlerFunc(http.NotFound)
	}
	return &staticHandler{fsys: os.DirFS(webDir)}
}

func (h *staticHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	rel, ok := staticRelPath(r.URL.Path)
	if !ok {
		h.notFound(w, r)
		return
	}

	f, info, ok := h.open(rel)
	if ok && info.IsDir() {
		f.Close()
		rel = path.Join(rel, "index.html")
		f, info, ok = h.open(rel)
	}
	if !ok || info.IsDir() {
		if ok {
			f.Close()
		}
		h.notFound(w, r)
		return
	}
	defer f.Close()

	rs, seekable := f.(io.ReadSeeker)
	if !seekable {
		h.notFound(w, r)
		return
	}
	http.ServeContent(w, r, rel, info.ModTime(), rs)
}

func (h *staticHandler) open(rel string) (fs.File, fs.FileInfo, bool) {
	f, err := h.fsys.Open(rel)
	if err != nil {
		return nil, nil, false
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, false
	}
	return f, info, true
}

func (h *staticHandler) notFound(w http.ResponseWriter, r *http.Request) {
	body, err := fs.ReadFile(h.fsys, notFoundDocument)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	if r.Method != http.MethodHead {
		w.Write(body)
	}
}

// staticRelPath maps a request path to a path inside the web directory,
// rejecting anything that could escape it.
func staticRelPath(urlPath string) (string, bool) {
	rel := strings.TrimPrefix(urlPath, "/")
	if rel == "" {
		return ".", true
	}
	if strings.IndexByte(rel, 0) != -1 || strings.Contains(rel, "\\") || strings.HasPrefix(rel, "/") {
		return "", false
	}
	for _, seg := range strings.Split(strings.TrimSuffix(rel, "/"), "/") {
		if seg == "." || seg == ".." {
			return "", false
		}
	}

	clean := path.Clean(rel)
	if !fs.ValidPath(clean) {
		return "", false
	}
	return clean, true
}
