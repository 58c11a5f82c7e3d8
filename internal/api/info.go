package api

import (
	"bytes"
	"html/template"
	"net/http"
	"sort"

	"github.com/applicenseserver/licenseserver/internal/middleware"
)

var infoPage = template.Must(template.New("info").Parse(`<!DOCTYPE html>
<html><head><title>licenseserver</title></head><body>
<h1>licenseserver {{.Version}}</h1>
<p>REST API service started.</p>
<h3>Configuration</h3>
<ul>
<li>Store backend: {{.Store}}</li>
<li>DDoS attack protection: {{.DDoS.Enabled}}</li>
{{- if .DDoS.Enabled}}
<li>Full service-level protection: {{.DDoS.FullServiceLevelProtection}}</li>
<li>Max hits per origin: {{.DDoS.MaxHitsPerOrigin}} per {{.DDoS.MaxHitsPerOriginIntervalMs}} ms</li>
<li>Release interval: {{.DDoS.ReleaseIntervalMs}} ms ({{.DDoS.ReleaseOrder}})</li>
{{- end}}
</ul>
<h3>Protected calls</h3>
<ul>
{{- range .Protected}}
<li>{{.}}</li>
{{- end}}
</ul>
<h3>API controllers and methods</h3>
<ul>
{{- range .Controllers}}
<li>{{.Name}}<ul>
{{- range .Calls}}
<li><i>{{.}}</i></li>
{{- end}}
</ul></li>
{{- end}}
</ul>
</body></html>
`))

type infoController struct {
	Name  string
	Calls []string
}

func (a *API) info(w http.ResponseWriter, _ *http.Request) {
	byController := make(map[string][]string)
	for _, e := range a.endpoints {
		byController[e.Controller] = append(byController[e.Controller], e.Method+" "+e.pattern())
	}
	controllers := make([]infoController, 0, len(byController))
	for name, calls := range byController {
		controllers = append(controllers, infoController{Name: name, Calls: calls})
	}
	sort.Slice(controllers, func(i, j int) bool { return controllers[i].Name < controllers[j].Name })

	var buf bytes.Buffer
	err := infoPage.Execute(&buf, map[string]any{
		"Version":     a.version,
		"Store":       a.store.Backend(),
		"DDoS":        a.cfg.DDoSProtection,
		"Protected":   a.registry.Entries(),
		"Controllers": controllers,
	})
	if err != nil {
		a.logger.Error("rendering info page", "error", err)
		middleware.WriteJSONError(w, http.StatusInternalServerError, "render_failed", "could not render info page")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}
