package api

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"net/http"

	"github.com/nerrad567/meshlamp-bridge/internal/lamp"
)

//go:embed templates/*.html
var templateFS embed.FS

// Page names.
const (
	pageOverview = "overview.html"
	pageAddLamp  = "add_lamp.html"
	pageEditLamp = "edit_lamp.html"
	pageNotFound = "not_found.html"
)

type pageRenderer struct {
	tmpl *template.Template
}

func newPageRenderer() (*pageRenderer, error) {
	tmpl, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parsing page templates: %w", err)
	}
	return &pageRenderer{tmpl: tmpl}, nil
}

// render executes into a buffer first so a template error never leaves a
// half-written page.
func (p *pageRenderer) render(w http.ResponseWriter, status int, name string, data any) error {
	var buf bytes.Buffer
	if err := p.tmpl.ExecuteTemplate(&buf, name, data); err != nil {
		return fmt.Errorf("rendering %s: %w", name, err)
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	//nolint:errcheck // Best-effort write to response; connection may be closed
	buf.WriteTo(w)
	return nil
}

type overviewPage struct {
	Lamps    []lamp.Record
	Error    string
	Count    int
	Capacity int
	Version  string
}

type lampFormPage struct {
	Name       string
	Address    string
	MaxName    int
	MaxAddress int
}

func newLampFormPage(rec lamp.Record) lampFormPage {
	return lampFormPage{
		Name:       rec.Name,
		Address:    rec.Address,
		MaxName:    lamp.MaxNameLen,
		MaxAddress: lamp.MaxAddressLen,
	}
}
