package web

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/keryx-io/keryx/core"
)

// staticFiles serves files from one directory with conditional-GET support.
// Anything it cannot resolve to a real file inside the directory falls
// through to action routing, so a missing asset surfaces as a 404 action
// error rather than a bare file error.
type staticFiles struct {
	cfg    core.StaticConfig
	logger core.Logger
	root   string
}

func newStaticFiles(cfg core.StaticConfig, logger core.Logger) *staticFiles {
	root, err := filepath.Abs(cfg.Directory)
	if err != nil {
		root = cfg.Directory
	}
	return &staticFiles{cfg: cfg, logger: logger, root: root}
}

// matches reports whether the request path falls under the static route.
func (s *staticFiles) matches(requestPath string) bool {
	route := s.cfg.Route
	if route == "" || route == "/" {
		return true
	}
	trimmed := strings.TrimSuffix(route, "/")
	return requestPath == trimmed || requestPath == route ||
		strings.HasPrefix(requestPath, trimmed+"/")
}

// serve writes the file for the request and reports whether it did. False
// means the caller should continue with action routing.
func (s *staticFiles) serve(w http.ResponseWriter, r *http.Request) bool {
	rel := strings.TrimPrefix(r.URL.Path, strings.TrimSuffix(s.cfg.Route, "/"))

	target, ok := s.resolve(rel)
	if !ok {
		return false
	}

	f, err := os.Open(target)
	if err != nil {
		return false
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil || fi.IsDir() {
		return false
	}

	h := w.Header()
	h.Set("Cache-Control", fmt.Sprintf("public, max-age=%d", s.cfg.CacheMaxAge))
	ctype := mime.TypeByExtension(filepath.Ext(target))
	if ctype == "" {
		ctype = "application/octet-stream"
	}
	h.Set("Content-Type", ctype)

	modTime := fi.ModTime()
	h.Set("Last-Modified", modTime.UTC().Format(http.TimeFormat))

	if s.cfg.ETag {
		etag := fmt.Sprintf("%q", fmt.Sprintf("%x-%x", fi.Size(), modTime.UnixNano()))
		h.Set("ETag", etag)
		if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
			w.WriteHeader(http.StatusNotModified)
			return true
		}
	}

	if since := r.Header.Get("If-Modified-Since"); since != "" {
		if t, err := http.ParseTime(since); err == nil &&
			!modTime.Truncate(time.Second).After(t) {
			w.WriteHeader(http.StatusNotModified)
			return true
		}
	}

	h.Set("Content-Length", strconv.FormatInt(fi.Size(), 10))
	if r.Method == http.MethodHead {
		return true
	}
	if _, err := io.Copy(w, f); err != nil {
		s.logger.Debug("Static file write aborted", map[string]interface{}{
			"file":  target,
			"error": err.Error(),
		})
	}
	return true
}

// resolve maps a route-relative path to a real file inside the root
// directory. Traversal sequences, paths whose symlink-resolved form escapes
// the root, and plain misses all report false. Directories resolve to their
// index.html.
func (s *staticFiles) resolve(rel string) (string, bool) {
	// r.URL.Path arrives percent-decoded, so encoded dots are already
	// literal ones; a remaining "%2e" means double encoding. Reject both.
	if strings.Contains(rel, "..") || strings.Contains(strings.ToLower(rel), "%2e") {
		return "", false
	}

	rootReal, err := filepath.EvalSymlinks(s.root)
	if err != nil {
		return "", false
	}

	target := filepath.Join(rootReal, filepath.FromSlash(path.Clean("/"+rel)))
	targetReal, err := filepath.EvalSymlinks(target)
	if err != nil {
		return "", false
	}
	if targetReal != rootReal &&
		!strings.HasPrefix(targetReal, rootReal+string(os.PathSeparator)) {
		return "", false
	}

	fi, err := os.Stat(targetReal)
	if err != nil {
		return "", false
	}
	if fi.IsDir() {
		index := filepath.Join(targetReal, "index.html")
		if fi, err = os.Stat(index); err != nil || fi.IsDir() {
			return "", false
		}
		targetReal = index
	}
	return targetReal, true
}
