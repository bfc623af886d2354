// Package views renders the scanner pages as templ components.
package views

import (
	"context"
	"embed"
	"html/template"
	"io"

	"github.com/a-h/templ"
)

//go:embed templates/*.html
var templateFS embed.FS

var templates = template.Must(template.New("views").Funcs(funcs).ParseFS(templateFS, "templates/*.html"))

func component(name string, data any) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		return templates.ExecuteTemplate(w, name, data)
	})
}

// Scanner is the main page: status, tray and capture controls.
func Scanner(p Page) templ.Component { return component("scanner", p) }

// TrayPartial is the tray fragment returned by every tray mutation.
func TrayPartial(t Tray) templ.Component { return component("tray", t) }

// HistoryPage lists recent sends.
func HistoryPage(h History) templ.Component { return component("history", h) }

// NotFound is the page for unknown routes.
func NotFound() templ.Component { return component("notfound", nil) }

// ServerError is the page shown when a request fails on the server.
func ServerError() templ.Component { return component("servererror", nil) }
