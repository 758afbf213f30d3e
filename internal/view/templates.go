package view

import (
	"fmt"
	"html/template"
	"net/http"
	"time"

	"github.com/k9ops/k9ops/internal/shared"
	"github.com/k9ops/k9ops/web"
)

// Engine renders HTML templates.
type Engine struct {
	templates *template.Template
	localizer *shared.Localizer
}

// TemplateData contains values shared across templates.
type TemplateData struct {
	Title       string
	Lang        string
	Dir         string
	CSRFToken   string
	Flash       *shared.FlashMessage
	CurrentPath string
	Data        any
}

// NewEngine parses the embedded templates. localizer picks the page language
// and may be nil.
func NewEngine(localizer *shared.Localizer) (*Engine, error) {
	funcMap := template.FuncMap{
		"formatDate": func(t time.Time) string {
			if t.IsZero() {
				return ""
			}
			return t.Format("02 Jan 2006 15:04")
		},
	}
	tpl, err := template.New("root").Funcs(funcMap).ParseFS(web.Templates, "templates/partials/*.html", "templates/pages/*.html")
	if err != nil {
		return nil, err
	}
	return &Engine{templates: tpl, localizer: localizer}, nil
}

// Render executes a named template. Title is translated and the page
// direction follows the request language.
func (e *Engine) Render(w http.ResponseWriter, r *http.Request, name string, data TemplateData) error {
	if e == nil {
		return fmt.Errorf("template engine not initialised")
	}
	tag := e.localizer.Tag(r)
	data.Lang = tag.String()
	data.Dir = "ltr"
	if base, _ := tag.Base(); base.String() == "ar" {
		data.Dir = "rtl"
	}
	if data.Title != "" {
		data.Title = e.localizer.Sprintf(r, data.Title)
	}
	if data.CurrentPath == "" && r != nil {
		data.CurrentPath = r.URL.Path
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	return e.templates.ExecuteTemplate(w, name, data)
}
