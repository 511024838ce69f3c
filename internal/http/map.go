package httpx

import (
	"bytes"
	"embed"
	"html/template"
	"net/http"
	"sort"
	"time"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var mapTemplate = template.Must(template.ParseFS(templateFS, "templates/map.html.tmpl"))

type mapRow struct {
	Subdomain string
	Port      int
	Type      string
	State     string
	ExpiresAt string
}

func (r *Router) handleMap(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	records, err := r.deployments.List(req.Context())
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	out := make(map[string]int, len(records))
	for _, record := range records {
		out[record.Subdomain] = record.Port
	}
	writeJSON(w, http.StatusOK, out)
}

func (r *Router) handleMapVisualizer(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	records, err := r.deployments.List(req.Context())
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	rows := make([]mapRow, 0, len(records))
	for _, record := range records {
		row := mapRow{
			Subdomain: record.Subdomain,
			Port:      record.Port,
			Type:      string(record.DeploymentType),
			State:     string(record.State),
		}
		if record.ExpiresAt != nil {
			row.ExpiresAt = record.ExpiresAt.UTC().Format(time.RFC3339)
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Subdomain < rows[j].Subdomain })

	var buf bytes.Buffer
	err = mapTemplate.Execute(&buf, map[string]any{
		"Rows":        rows,
		"GeneratedAt": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		r.logger.Error("render map visualizer", "error", err)
		writeError(w, http.StatusInternalServerError, "render failed")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}
