// Package web embeds the demo single-page client. The page carries the
// session's CSRF token in a meta tag; the script reads it from there and
// attaches it to every API call.
package web

import (
	_ "embed"
	"html/template"
	"io"
)

//go:embed index.html
var indexHTML string

//go:embed app.js
var appJS []byte

var indexTemplate = template.Must(template.New("index").Parse(indexHTML))

// RenderIndex writes the page with the CSRF token injected. The token is
// the only dynamic value; html/template escaping covers it.
func RenderIndex(w io.Writer, csrfToken string) error {
	return indexTemplate.Execute(w, struct{ CSRFToken string }{CSRFToken: csrfToken})
}

// AppJS returns the client script bytes.
func AppJS() []byte { return appJS }
