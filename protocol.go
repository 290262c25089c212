package main

import (
	"fmt"
	"strconv"
)

// Not map[string][]string, unlike http.Header. Keys are lowercased on
// parse; when a header repeats, the last value wins.
type HTTPHeader map[string]string

type Request struct {
	Method  string
	RawURI  string
	Path    string // percent-decoded, query stripped, cleaned
	Query   string
	Version string
	Headers HTTPHeader
	Body    []byte
}

// HeaderField preserves insertion order so response bytes are
// deterministic, unlike a map.
type HeaderField struct {
	Name  string
	Value string
}

type Response struct {
	Version string
	Status  int
	Phrase  string
	Headers []HeaderField
	Body    []byte
}

const (
	StatusOK                   = 200
	StatusBadRequest           = 400
	StatusForbidden            = 403
	StatusNotFound             = 404
	StatusMethodNotAllowed     = 405
	StatusPayloadTooLarge      = 413
	StatusHeaderFieldsTooLarge = 431
	StatusInternalError        = 500
)

var statusPhrases = map[int]string{
	StatusOK:                   "OK",
	StatusBadRequest:           "Bad Request",
	StatusForbidden:            "Forbidden",
	StatusNotFound:             "Not Found",
	StatusMethodNotAllowed:     "Method Not Allowed",
	StatusPayloadTooLarge:      "Payload Too Large",
	StatusHeaderFieldsTooLarge: "Request Header Fields Too Large",
	StatusInternalError:        "Internal Server Error",
}

// Methods the parser recognizes. The resolver allows a subset of these.
var knownMethods = map[string]bool{
	"GET":     true,
	"HEAD":    true,
	"POST":    true,
	"PUT":     true,
	"DELETE":  true,
	"OPTIONS": true,
	"PATCH":   true,
}

func NewResponse(status int) *Response {
	phrase, ok := statusPhrases[status]
	if !ok {
		phrase = "Unknown"
	}
	return &Response{
		Version: "HTTP/1.1",
		Status:  status,
		Phrase:  phrase,
	}
}

func (r *Response) AddHeader(name, value string) {
	r.Headers = append(r.Headers, HeaderField{name, value})
}

// SetHeader replaces the first field with a matching name, or appends.
func (r *Response) SetHeader(name, value string) {
	lower := lowerASCII(name)
	for i := range r.Headers {
		if lowerASCII(r.Headers[i].Name) == lower {
			r.Headers[i].Value = value
			return
		}
	}
	r.AddHeader(name, value)
}

func (r *Response) Header(name string) (string, bool) {
	lower := lowerASCII(name)
	for i := range r.Headers {
		if lowerASCII(r.Headers[i].Name) == lower {
			return r.Headers[i].Value, true
		}
	}
	return "", false
}

// SetBody installs the body and keeps Content-Length in sync.
func (r *Response) SetBody(body []byte) {
	r.Body = body
	r.SetHeader("Content-Length", strconv.Itoa(len(body)))
}

func lowerASCII(s string) string {
	b := []byte(s)
	for i := range b {
		if 'A' <= b[i] && b[i] <= 'Z' {
			b[i] += 'a' - 'A'
		}
	}
	return string(b)
}

// errorResponse builds a small diagnostic response. Bodies are plain
// text so curl output stays readable.
func errorResponse(status int) *Response {
	res := NewResponse(status)
	res.AddHeader("Content-Type", "text/plain; charset=utf-8")
	res.SetBody([]byte(fmt.Sprintf("%d %s\n", status, res.Phrase)))
	return res
}

type ParseErrorKind int

const (
	MalformedLine ParseErrorKind = iota
	MalformedHeader
	TooLarge
	BodyTooLarge
)

type ParseError struct {
	Kind ParseErrorKind
	Msg  string
}

func (e *ParseError) Error() string { return e.Msg }

// Status maps a parse failure onto the 400-class response the worker
// sends before closing the connection.
func (e *ParseError) Status() int {
	switch e.Kind {
	case TooLarge:
		return StatusHeaderFieldsTooLarge
	case BodyTooLarge:
		return StatusPayloadTooLarge
	default:
		return StatusBadRequest
	}
}

func parseErrorf(kind ParseErrorKind, format string, args ...any) *ParseError {
	return &ParseError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}
