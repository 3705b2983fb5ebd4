package server

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"html/template"
	"io/fs"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/yuin/goldmark"

	"github.com/TobiSchelling/schoolcheck/internal/database"
	"github.com/TobiSchelling/schoolcheck/internal/divergence"
	"github.com/TobiSchelling/schoolcheck/internal/export"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static/*
var staticFS embed.FS

var md = goldmark.New()

const dateLayout = "2006-01-02"

// Engine is the read side of the integrity engine the viewer renders.
// *pipeline.Engine satisfies it.
type Engine interface {
	Report(ctx context.Context, flt divergence.Filter) *divergence.Report
	CountCritical(ctx context.Context) (int, error)
	AuditLog(ctx context.Context, q database.AuditQuery) (*database.AuditPage, error)
}

// Server is the read-only HTTP viewer for reports and the audit trail.
type Server struct {
	engine Engine
	pages  map[string]*template.Template
	mux    *http.ServeMux
}

// New creates a new Server.
func New(engine Engine) (*Server, error) {
	funcMap := template.FuncMap{
		"markdown": renderMarkdown,
		"formatTime": func(t time.Time) string {
			return t.Local().Format("2006-01-02 15:04")
		},
		"severityClass": func(s divergence.Severity) string {
			return "sev-" + string(s)
		},
	}

	// Parse base template first
	base, err := template.New("base.html").Funcs(funcMap).ParseFS(templateFS, "templates/base.html")
	if err != nil {
		return nil, fmt.Errorf("parsing base template: %w", err)
	}

	// For each page template, clone the base and parse the page into the clone.
	// This gives each page its own {{define "content"}} and {{define "title"}}.
	pageNames := []string{"index.html", "audit.html"}
	pages := make(map[string]*template.Template, len(pageNames))
	for _, name := range pageNames {
		clone, err := base.Clone()
		if err != nil {
			return nil, fmt.Errorf("cloning base for %s: %w", name, err)
		}
		_, err = clone.ParseFS(templateFS, "templates/"+name)
		if err != nil {
			return nil, fmt.Errorf("parsing template %s: %w", name, err)
		}
		pages[name] = clone
	}

	s := &Server{engine: engine, pages: pages, mux: http.NewServeMux()}
	s.routes()
	return s, nil
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	// Static files
	staticSub, _ := fs.Sub(staticFS, "static")
	s.mux.Handle("/static/", http.StripPrefix("/static/", http.FileServer(http.FS(staticSub))))

	// Routes
	s.mux.HandleFunc("/", s.handleIndex)
	s.mux.HandleFunc("/report.json", s.handleReportJSON)
	s.mux.HandleFunc("/critical.json", s.handleCritical)
	s.mux.HandleFunc("/audit", s.handleAudit)
	s.mux.HandleFunc("/audit.csv", s.handleAuditCSV)
	s.mux.HandleFunc("/export.csv", s.handleExport(export.CSV))
	s.mux.HandleFunc("/export.xlsx", s.handleExport(export.XLSX))
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	flt, err := parseFilter(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	report := s.engine.Report(r.Context(), flt)

	s.render(w, "index.html", map[string]any{
		"Report":     report,
		"Filter":     flt,
		"Severities": divergence.Severities(),
		"Query":      template.URL(r.URL.RawQuery),
	})
}

func (s *Server) handleReportJSON(w http.ResponseWriter, r *http.Request) {
	flt, err := parseFilter(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Report(r.Context(), flt))
}

func (s *Server) handleCritical(w http.ResponseWriter, r *http.Request) {
	n, err := s.engine.CountCritical(r.Context())
	resp := map[string]any{"critical": n, "complete": err == nil}
	if err != nil {
		resp["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	q, page, err := parseAuditQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	result, err := s.engine.AuditLog(r.Context(), q)
	if err != nil {
		log.Printf("Audit query failed: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	next := 0
	if q.Offset+len(result.Entries) < result.Total {
		next = page + 1
	}
	s.render(w, "audit.html", map[string]any{
		"Page":       result,
		"PageNum":    page,
		"PrevPage":   page - 1,
		"NextPage":   next,
		"Severities": divergence.Severities(),
		"Type":       r.URL.Query().Get("type"),
		"Severity":   r.URL.Query().Get("severity"),
		"From":       r.URL.Query().Get("from"),
		"To":         r.URL.Query().Get("to"),
	})
}

func (s *Server) handleAuditCSV(w http.ResponseWriter, r *http.Request) {
	q, _, err := parseAuditQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	result, err := s.engine.AuditLog(r.Context(), q)
	if err != nil {
		log.Printf("Audit query failed: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="audit.csv"`)
	if err := export.AuditCSV(w, result.Entries); err != nil {
		log.Printf("Error writing audit export: %v", err)
	}
}

func (s *Server) handleExport(format export.Format) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flt, err := parseFilter(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		report := s.engine.Report(r.Context(), flt)

		var buf bytes.Buffer
		if err := export.Report(&buf, format, report); err != nil {
			log.Printf("Error writing %s export: %v", format, err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		contentType := "text/csv; charset=utf-8"
		if format == export.XLSX {
			contentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
		}
		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="divergences.%s"`, format))
		w.Write(buf.Bytes())
	}
}

func parseFilter(r *http.Request) (divergence.Filter, error) {
	var flt divergence.Filter
	if v := r.URL.Query().Get("severity"); v != "" {
		sev, err := divergence.ParseSeverity(v)
		if err != nil {
			return flt, err
		}
		flt.Severity = sev
	}
	flt.Type = divergence.Type(r.URL.Query().Get("type"))
	return flt, nil
}

// parseAuditQuery reads type, severity, from, to (inclusive dates) and
// page from the query string.
func parseAuditQuery(r *http.Request) (database.AuditQuery, int, error) {
	v := r.URL.Query()
	q := database.AuditQuery{
		Type:  divergence.Type(v.Get("type")),
		Limit: database.DefaultAuditPageSize,
	}
	if sev := v.Get("severity"); sev != "" {
		parsed, err := divergence.ParseSeverity(sev)
		if err != nil {
			return q, 0, err
		}
		q.Severity = parsed
	}
	if from := v.Get("from"); from != "" {
		t, err := time.Parse(dateLayout, from)
		if err != nil {
			return q, 0, fmt.Errorf("invalid from date %q", from)
		}
		q.From = t
	}
	if to := v.Get("to"); to != "" {
		t, err := time.Parse(dateLayout, to)
		if err != nil {
			return q, 0, fmt.Errorf("invalid to date %q", to)
		}
		q.To = t.AddDate(0, 0, 1)
	}
	page := 1
	if p := v.Get("page"); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 {
			return q, 0, fmt.Errorf("invalid page %q", p)
		}
		page = n
	}
	q.Offset = (page - 1) * q.Limit
	return q, page, nil
}

func (s *Server) render(w http.ResponseWriter, name string, data any) {
	tmpl, ok := s.pages[name]
	if !ok {
		log.Printf("Template %s not found", name)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, "base.html", data); err != nil {
		log.Printf("Error rendering template %s: %v", name, err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(buf.Bytes())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		log.Printf("Error writing JSON: %v", err)
	}
}

func renderMarkdown(text string) template.HTML {
	var buf bytes.Buffer
	if err := md.Convert([]byte(text), &buf); err != nil {
		return template.HTML(template.HTMLEscapeString(text))
	}
	return template.HTML(buf.String()) //nolint: gosec
}

// Serve starts the HTTP server on the given port.
func Serve(engine Engine, port int) error {
	srv, err := New(engine)
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("127.0.0.1:%d", port)
	log.Printf("Server listening on http://%s", addr)
	return http.ListenAndServe(addr, srv.Handler())
}
