package handler

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"path"
	"strings"
)

//go:embed templates
var templateFS embed.FS

// TemplateRenderer is the interface for rendering HTML pages.
// This interface allows for mocking in tests.
type TemplateRenderer interface {
	RenderHTTP(w http.ResponseWriter, status int, name string, data interface{})
}

// Renderer renders the pages guardpost serves itself.
//
// Templates are organized as:
//   - layouts/base.html - the base layout, defines "base"
//   - pages/*.html - pages, each defines "content" and "title"
//
// Every page is parsed into its own set together with the layout, so pages
// can reuse block names without clashing.
type Renderer struct {
	templates map[string]*template.Template
	logger    *slog.Logger
}

// NewRenderer parses the embedded templates.
func NewRenderer(logger *slog.Logger) (*Renderer, error) {
	sub, err := fs.Sub(templateFS, "templates")
	if err != nil {
		return nil, err
	}
	return NewRendererFromFS(sub, logger)
}

// NewRendererFromFS parses templates from fsys, laid out like the embedded set.
func NewRendererFromFS(fsys fs.FS, logger *slog.Logger) (*Renderer, error) {
	r := &Renderer{
		templates: make(map[string]*template.Template),
		logger:    logger,
	}

	pages, err := fs.Glob(fsys, "pages/*.html")
	if err != nil {
		return nil, err
	}
	if len(pages) == 0 {
		return nil, fmt.Errorf("no page templates found")
	}

	for _, page := range pages {
		tmpl, err := template.New("").Funcs(TemplateFuncs()).ParseFS(fsys, "layouts/base.html", page)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", page, err)
		}
		name := strings.TrimSuffix(path.Base(page), ".html")
		r.templates[name] = tmpl
	}

	return r, nil
}

// Render renders a page to an io.Writer.
func (r *Renderer) Render(w io.Writer, name string, data interface{}) error {
	tmpl, ok := r.templates[name]
	if !ok {
		return fmt.Errorf("template %q not found", name)
	}
	return tmpl.ExecuteTemplate(w, "base", data)
}

// RenderHTTP renders a page with the given status.
func (r *Renderer) RenderHTTP(w http.ResponseWriter, status int, name string, data interface{}) {
	// Render to buffer first to catch errors before writing headers
	var buf bytes.Buffer
	if err := r.Render(&buf, name, data); err != nil {
		r.logger.Error("template execution failed", "name", name, "error", err)
		http.Error(w, "Template execution failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}
