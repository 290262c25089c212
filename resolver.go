package main

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ContentSource supplies the bytes behind a normalized request path.
type ContentSource interface {
	Lookup(path string) ([]byte, error)
}

var (
	ErrNotFound  = errors.New("content not found")
	ErrForbidden = errors.New("content access forbidden")
)

// DirSource serves files under a root directory. Paths arriving here
// are already cleaned, but escaping the root is re-checked at lookup
// since the source, not the parser, owns that boundary.
type DirSource struct {
	root string
}

func NewDirSource(root string) (*DirSource, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	return &DirSource{root: abs}, nil
}

func (s *DirSource) Lookup(p string) ([]byte, error) {
	full := filepath.Join(s.root, filepath.FromSlash(p))
	if full != s.root && !strings.HasPrefix(full, s.root+string(filepath.Separator)) {
		return nil, ErrForbidden
	}
	info, err := os.Stat(full)
	if err == nil && info.IsDir() {
		full = filepath.Join(full, "index.html")
	}
	b, err := os.ReadFile(full)
	switch {
	case err == nil:
		return b, nil
	case errors.Is(err, fs.ErrNotExist):
		return nil, ErrNotFound
	case errors.Is(err, fs.ErrPermission):
		return nil, ErrForbidden
	default:
		return nil, err
	}
}

// MapSource is an in-memory content source, keyed by path
type MapSource map[string][]byte

func (s MapSource) Lookup(p string) ([]byte, error) {
	b, ok := s[p]
	if !ok {
		return nil, ErrNotFound
	}
	return b, nil
}

var contentTypes = map[string]string{
	".html": "text/html",
	".htm":  "text/html",
	".txt":  "text/plain; charset=utf-8",
	".css":  "text/css",
	".js":   "text/javascript",
	".json": "application/json",
	".jpeg": "image/jpeg",
	".jpg":  "image/jpeg",
	".gif":  "image/gif",
	".png":  "image/png",
	".swf":  "application/x-shockwave-flash",
}

const defaultContentType = "application/octet-stream"

func contentTypeFor(p string) string {
	if ct, ok := contentTypes[strings.ToLower(filepath.Ext(p))]; ok {
		return ct
	}
	return defaultContentType
}

// Resolver maps a parsed request to a response. All faults are
// terminal for the current request; nothing here retries.
type Resolver struct {
	source     ContentSource
	serverName string
	now        func() time.Time // stubbed in tests
}

func NewResolver(source ContentSource, serverName string) *Resolver {
	return &Resolver{source: source, serverName: serverName, now: time.Now}
}

func (rv *Resolver) Resolve(req *Request) *Response {
	if req.Method != "GET" && req.Method != "HEAD" {
		res := errorResponse(StatusMethodNotAllowed)
		res.AddHeader("Allow", "GET, HEAD")
		rv.stamp(res)
		return res
	}

	p := req.Path
	if strings.HasSuffix(p, "/") {
		p += "index.html"
	}
	content, err := rv.source.Lookup(p)
	if err != nil {
		res := errorResponse(lookupStatus(err))
		rv.stamp(res)
		return res
	}

	res := NewResponse(StatusOK)
	rv.stamp(res)
	res.AddHeader("Content-Length", strconv.Itoa(len(content)))
	res.AddHeader("Content-Type", contentTypeFor(p))
	if req.Method == "GET" {
		res.Body = content
	}
	return res
}

func lookupStatus(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return StatusNotFound
	case errors.Is(err, ErrForbidden):
		return StatusForbidden
	default:
		return StatusInternalError
	}
}

func (rv *Resolver) stamp(res *Response) {
	fields := []HeaderField{
		{"Server", rv.serverName},
		{"Date", rv.now().UTC().Format("Mon, 02 Jan 2006 15:04:05 GMT")},
	}
	res.Headers = append(fields, res.Headers...)
}
