package server

import (
	"bytes"

	"github.com/yuin/goldmark"
)

// renderHTML converts a markdown explanation to HTML.  Raw HTML in the
// source is escaped by goldmark's default renderer.
func renderHTML(md string) (html string, err error) {
	var buf bytes.Buffer
	err = goldmark.Convert([]byte(md), &buf)
	if err != nil {
		return
	}
	html = buf.String()
	return
}
