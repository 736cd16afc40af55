package router

import (
	"html/template"
	"net/http"

	"github.com/splax/peep/internal/domain"
)

var buildingPage = template.Must(template.New("building").Parse(`<!doctype html>
<html>
<head>
<meta charset="utf-8">
<meta http-equiv="refresh" content="5">
<title>Deployment in progress</title>
</head>
<body>
<h1>Your deployment is {{.Status}}</h1>
<p>Deployment <code>{{.ID}}</code> is not ready yet. This page refreshes automatically.</p>
</body>
</html>
`))

var errorPage = template.Must(template.New("error").Parse(`<!doctype html>
<html>
<head>
<meta charset="utf-8">
<title>Deployment failed</title>
</head>
<body>
<h1>Deployment failed</h1>
<p>Deployment <code>{{.ID}}</code> did not build successfully.</p>
{{if .Error}}<pre>{{.Error}}</pre>{{end}}
</body>
</html>
`))

type pageData struct {
	ID     string
	Status string
	Error  string
}

func writePage(w http.ResponseWriter, status int, tmpl *template.Template, d *domain.Deployment) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = tmpl.Execute(w, pageData{ID: d.ID, Status: d.Status.Broadcast(), Error: d.Error})
}

func writeNotFound(w http.ResponseWriter, sub string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	_, _ = w.Write([]byte("No deployment found for " + sub + "\n"))
}
