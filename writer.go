package main

import (
	"bytes"
	"fmt"
	"io"
	"unicode"
)

func capitalizeHeader(h string) string {
	ret := make([]rune, len(h))
	cap := true
	for i, c := range h {
		r := rune(c)
		if cap && unicode.IsLetter(r) {
			ret[i] = unicode.ToUpper(r)
			cap = false
		} else {
			ret[i] = r
		}
		if c == '-' {
			cap = true
		}
	}
	return string(ret)
}

// WriteResponse serializes res and writes it in one call: status line,
// headers in insertion order, blank line, body verbatim. Returns the
// number of bytes written; write errors are always propagated.
func WriteResponse(w io.Writer, res *Response) (int, error) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s %d %s\r\n", res.Version, res.Status, res.Phrase)
	for _, h := range res.Headers {
		fmt.Fprintf(&buf, "%s: %s\r\n", capitalizeHeader(h.Name), h.Value)
	}
	buf.WriteString("\r\n")
	buf.Write(res.Body)
	return w.Write(buf.Bytes())
}
