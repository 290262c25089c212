package main

import (
	"bufio"
	"io"
	"net/url"
	"path"
	"sort"
	"strconv"
	"strings"
)

// baseReader reads header-section lines and enforces the size cap.
// I/O errors pass through untouched so callers can tell a read timeout
// or peer disconnect apart from malformed input.
type baseReader struct {
	r     *bufio.Reader
	limit int // max request-line + header bytes
	n     int // bytes consumed so far
	errCh chan error
}

func (r *baseReader) ErrorOccurred() <-chan error {
	return r.errCh
}

// similar to readLineSlice() in net/textproto/reader.go
func (r *baseReader) readLine() (string, error) {
	var line []byte
	for {
		l, more, err := r.r.ReadLine()
		if err != nil {
			return "", err
		}
		r.n += len(l)
		if !more {
			r.n += 2 // line terminator
		}
		if r.n > r.limit {
			return "", parseErrorf(TooLarge, "header section exceeds %d bytes", r.limit)
		}
		if line == nil && !more {
			return string(l), nil
		}
		line = append(line, l...)
		if !more {
			break
		}
	}
	return string(line), nil
}

func (r *baseReader) readHeaders() (HTTPHeader, error) {
	headers := make(HTTPHeader)
	for {
		line, err := r.readLine()
		if err != nil {
			return nil, err
		}
		if len(line) == 0 {
			break
		}
		fs := strings.SplitN(line, ":", 2)
		if len(fs) != 2 {
			return nil, parseErrorf(MalformedHeader, "header line without colon: %q", line)
		}
		// last value wins on duplicates
		hdr := lowerASCII(strings.TrimSpace(fs[0]))
		headers[hdr] = strings.TrimSpace(fs[1])
	}
	return headers, nil
}

// readBody consumes exactly Content-Length bytes, if the header is
// present and positive.
func (r *baseReader) readBody(headers HTTPHeader, maxBody int) ([]byte, error) {
	cls, ok := headers["content-length"]
	if !ok {
		return nil, nil
	}
	cl, err := strconv.Atoi(cls)
	if err != nil || cl < 0 {
		return nil, parseErrorf(MalformedHeader, "invalid Content-Length %q", cls)
	}
	if cl == 0 {
		return nil, nil
	}
	if cl > maxBody {
		return nil, parseErrorf(BodyTooLarge, "body of %d bytes exceeds %d", cl, maxBody)
	}
	body := make([]byte, cl)
	if _, err := io.ReadFull(r.r, body); err != nil {
		return nil, err
	}
	return body, nil
}

func newBufReader(r io.Reader) *bufio.Reader {
	if casted, ok := r.(*bufio.Reader); ok {
		return casted
	}
	return bufio.NewReader(r)
}

// RequestReader incrementally parses one HTTP/1.x request
type RequestReader struct {
	baseReader
	maxBody int
	req     *Request
	reqCh   chan *Request
}

func NewRequestReader(r io.Reader, maxHeader, maxBody int) *RequestReader {
	return &RequestReader{
		// buffered so the goroutine can deliver and exit even if the
		// worker has already given up on this connection
		baseReader: baseReader{newBufReader(r), maxHeader, 0, make(chan error, 1)},
		maxBody:    maxBody,
		req:        &Request{},
		reqCh:      make(chan *Request, 1),
	}
}

func (r *RequestReader) Start() {
	go func() {
		if err := r.readRequestLine(); err != nil {
			r.errCh <- err
			return
		}
		if err := r.readRequestHeaders(); err != nil {
			r.errCh <- err
			return
		}
		body, err := r.readBody(r.req.Headers, r.maxBody)
		if err != nil {
			r.errCh <- err
			return
		}
		r.req.Body = body
		r.reqCh <- r.req
	}()
}

func (r *RequestReader) readRequestLine() error {
	rl, err := r.readLine()
	if err != nil {
		return err
	}
	fields := strings.Split(rl, " ")
	if len(fields) != 3 {
		return parseErrorf(MalformedLine, "request line %q is not three tokens", rl)
	}
	method, rawURI, version := fields[0], fields[1], fields[2]
	if !knownMethods[method] {
		return parseErrorf(MalformedLine, "unknown method %q", method)
	}
	if version != "HTTP/1.0" && version != "HTTP/1.1" {
		return parseErrorf(MalformedLine, "unsupported version %q", version)
	}
	p, q, err := normalizePath(rawURI)
	if err != nil {
		return err
	}
	r.req.Method = method
	r.req.RawURI = rawURI
	r.req.Path = p
	r.req.Query = q
	r.req.Version = version
	return nil
}

func (r *RequestReader) readRequestHeaders() error {
	headers, err := r.readHeaders()
	if err == nil {
		r.req.Headers = headers
	}
	return err
}

func (r *RequestReader) RequestReceived() <-chan *Request {
	return r.reqCh
}

// normalizePath splits off the query string, percent-decodes, and
// cleans the path so "."/".." segments can never escape the content
// root.
func normalizePath(rawURI string) (string, string, error) {
	p := rawURI
	q := ""
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p, q = p[:i], p[i+1:]
	}
	p, err := url.PathUnescape(p)
	if err != nil {
		return "", "", parseErrorf(MalformedLine, "bad percent-encoding in %q", rawURI)
	}
	if p == "" || p[0] != '/' {
		return "", "", parseErrorf(MalformedLine, "target %q is not an absolute path", rawURI)
	}
	trailingSlash := strings.HasSuffix(p, "/")
	p = path.Clean(p)
	if trailingSlash && p != "/" {
		p += "/"
	}
	return p, q, nil
}

// ResponseReader parses an HTTP response off the wire. The server
// never consumes responses itself; this is the verification side of
// the writer, used by tests and debugging tools.
type ResponseReader struct {
	baseReader
	maxBody int
	res     *Response
	resCh   chan *Response
}

func NewResponseReader(r io.Reader, maxHeader, maxBody int) *ResponseReader {
	return &ResponseReader{
		baseReader: baseReader{newBufReader(r), maxHeader, 0, make(chan error, 1)},
		maxBody:    maxBody,
		res:        &Response{},
		resCh:      make(chan *Response, 1),
	}
}

func (r *ResponseReader) Start() {
	go func() {
		if err := r.readStatusLine(); err != nil {
			r.errCh <- err
			return
		}
		headers, err := r.readHeaders()
		if err != nil {
			r.errCh <- err
			return
		}
		for _, h := range sortedFields(headers) {
			r.res.AddHeader(h.Name, h.Value)
		}
		body, err := r.readBody(headers, r.maxBody)
		if err != nil {
			r.errCh <- err
			return
		}
		r.res.Body = body
		r.resCh <- r.res
	}()
}

func (r *ResponseReader) readStatusLine() error {
	sl, err := r.readLine()
	if err != nil {
		return err
	}
	fields := strings.Split(sl, " ")
	if len(fields) < 3 {
		return parseErrorf(MalformedLine, "status line %q too short", sl)
	}
	status, err := strconv.Atoi(fields[1])
	if err != nil || status < 100 || status > 599 {
		return parseErrorf(MalformedLine, "invalid status code %q", fields[1])
	}
	r.res.Version = fields[0]
	r.res.Status = status
	r.res.Phrase = strings.Join(fields[2:], " ")
	return nil
}

func (r *ResponseReader) ResponseReceived() <-chan *Response {
	return r.resCh
}

func sortedFields(h HTTPHeader) []HeaderField {
	fields := make([]HeaderField, 0, len(h))
	for name, value := range h {
		fields = append(fields, HeaderField{name, value})
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i].Name < fields[j].Name })
	return fields
}
