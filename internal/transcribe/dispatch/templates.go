package dispatch

import "text/template"

type messageView struct {
	Recording  string
	BaseName   string
	Extension  string
	Outcome    string
	JobID      string
	Duration   string
	Transcript string
	Missing    []string
	Diagnostic string
}

var transcriptBody = template.Must(template.New("transcript").Parse(`Recording: {{.Recording}}
{{if .Extension}}Extension: {{.Extension}}
{{end}}{{if .Duration}}Duration:  {{.Duration}}
{{end}}Job:       {{.JobID}}

{{.Transcript}}
`))

var failureBody = template.Must(template.New("failure").Parse(`Transcription of {{.Recording}} did not complete.

Outcome:   {{.Outcome}}
{{if .Extension}}Extension: {{.Extension}}
{{end}}Job:       {{.JobID}}
{{range .Missing}}Missing:   {{.}}
{{end}}{{if .Diagnostic}}
Engine output (tail):
{{.Diagnostic}}
{{end}}`))
