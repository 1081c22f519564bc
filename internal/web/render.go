package web

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/sakif/supply-chalao/internal/model"
)

//go:embed templates/*.html
var templatesFS embed.FS

// Page templates, each parsed together with the layout and the partials.
const (
	pageLanding   = "landing.html"
	pageLogin     = "login.html"
	pageRegister  = "register.html"
	pageDashboard = "dashboard.html"
	pageOrderForm = "order_form.html"
	pageMessages  = "messages.html"
	pageSettings  = "settings.html"
	pageLoading   = "loading.html"
	pageSetup     = "setup.html"
	pageNotFound  = "notfound.html"
	pageError     = "error.html"
)

var pageFiles = []string{
	pageLanding, pageLogin, pageRegister, pageDashboard, pageOrderForm,
	pageMessages, pageSettings, pageLoading, pageSetup, pageNotFound, pageError,
}

var funcs = template.FuncMap{
	"initials": model.Initials,
	"date":     func(t time.Time) string { return t.Local().Format("Jan 2, 2006") },
	"clock":    func(t time.Time) string { return t.Local().Format("3:04 PM") },
}

// templates holds one template set per page. Every set also carries the
// partials, so the SSE streams render fragments from any of them.
type templates struct {
	pages    map[string]*template.Template
	partials *template.Template
}

func parseTemplates() (*templates, error) {
	layout, err := template.New("layout").Funcs(funcs).ParseFS(templatesFS, "templates/base.html", "templates/partials.html")
	if err != nil {
		return nil, fmt.Errorf("web: parsing layout: %w", err)
	}
	t := &templates{pages: make(map[string]*template.Template, len(pageFiles)), partials: layout}
	for _, name := range pageFiles {
		set, err := layout.Clone()
		if err != nil {
			return nil, fmt.Errorf("web: cloning layout for %s: %w", name, err)
		}
		if _, err := set.ParseFS(templatesFS, "templates/"+name); err != nil {
			return nil, fmt.Errorf("web: parsing %s: %w", name, err)
		}
		t.pages[name] = set
	}
	return t, nil
}

// stream tells the layout which SSE endpoint feeds which element.
type stream struct {
	URL    string
	Event  string
	Target string
}

// view is what every page template receives.
type view struct {
	Title      string
	User       *model.Identity
	Loading    bool
	Configured bool
	Theme      model.Theme
	Notice     string
	Error      string
	// Refresh, in seconds, makes the browser reload the page.
	Refresh int
	// Live pages open the /live guard stream.
	Live   bool
	Stream *stream
	Data   any
}

// render executes page into a buffer first so a template error never leaves
// a half-written response.
func (s *Server) render(w http.ResponseWriter, r *http.Request, status int, page string, v view) {
	snap := s.sessions.Snapshot()
	if v.User == nil {
		v.User = snap.User
	}
	v.Loading = snap.Loading
	v.Configured = s.sessions.IsConfigured()
	if v.Theme == "" {
		v.Theme = model.ThemeLight
	}
	if v.Notice == "" {
		v.Notice = r.URL.Query().Get("notice")
	}

	set, ok := s.tmpl.pages[page]
	if !ok {
		s.logger.Error("unknown page template", slog.String("page", page))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	var buf bytes.Buffer
	if err := set.ExecuteTemplate(&buf, "base", v); err != nil {
		s.logger.Error("failed to render template",
			slog.String("page", page),
			slog.String("error", err.Error()),
		)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}

// fragment renders a partial to a string for an SSE event.
func (s *Server) fragment(name string, data any) (string, error) {
	var buf bytes.Buffer
	if err := s.tmpl.partials.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("web: rendering %s: %w", name, err)
	}
	return buf.String(), nil
}
