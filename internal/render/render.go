// Package render turns a stored message template into the HTML document that
// is handed to the mailer.
package render

import (
	"bytes"
	"errors"
	"fmt"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

const (
	FormatHTML     = "html"
	FormatMarkdown = "markdown"
)

var ErrEmptyTemplate = errors.New("template has no content to send")

type Template struct {
	ID        string
	Subject   string
	Body      string
	Format    string
	Variables map[string]string
}

// Rendered is a fully substituted message.
type Rendered struct {
	Subject string
	HTML    string
}

var markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

// documentTmpl wraps every rendered body. Subject is escaped, Body is trusted
// because it was produced by Render itself.
var documentTmpl = htmltemplate.Must(htmltemplate.New("document").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <meta name="viewport" content="width=device-width,initial-scale=1.0">
  <title>{{.Subject}}</title>
</head>
<body style="margin:0;padding:0;background-color:#f4f4f5;font-family:-apple-system,BlinkMacSystemFont,'Segoe UI',Roboto,Arial,sans-serif;">
  <table width="100%" cellpadding="0" cellspacing="0" role="presentation" style="padding:32px 16px;">
    <tr>
      <td align="center">
        <table width="600" cellpadding="0" cellspacing="0" role="presentation" style="max-width:600px;width:100%;background-color:#ffffff;border-radius:8px;">
          <tr>
            <td style="padding:32px 40px;font-size:14px;line-height:1.6;color:#374151;">{{.Body}}</td>
          </tr>
        </table>
      </td>
    </tr>
  </table>
</body>
</html>
`))

// Validate reports whether t has anything to send.
func Validate(t Template) error {
	if strings.TrimSpace(t.Body) == "" {
		return ErrEmptyTemplate
	}
	switch t.Format {
	case "", FormatHTML, FormatMarkdown:
		return nil
	default:
		return fmt.Errorf("unsupported template format %q", t.Format)
	}
}

// Render substitutes variables into t and wraps the body in the document
// layout. vars override the template's own defaults.
func Render(t Template, vars map[string]string) (*Rendered, error) {
	if err := Validate(t); err != nil {
		return nil, err
	}

	data := MergeVariables(t.Variables, vars)

	subject, err := renderSubject(t.Subject, data)
	if err != nil {
		return nil, err
	}

	var body string
	if t.Format == FormatMarkdown {
		body, err = renderMarkdown(t.Body, data)
	} else {
		body, err = renderHTML(t.Body, data)
	}
	if err != nil {
		return nil, err
	}

	var doc bytes.Buffer
	err = documentTmpl.Execute(&doc, struct {
		Subject string
		Body    htmltemplate.HTML
	}{subject, htmltemplate.HTML(body)})
	if err != nil {
		return nil, fmt.Errorf("failed to render document: %w", err)
	}

	return &Rendered{Subject: subject, HTML: doc.String()}, nil
}

// MergeVariables returns a new map with overrides applied on top of defaults.
func MergeVariables(defaults, overrides map[string]string) map[string]string {
	merged := make(map[string]string, len(defaults)+len(overrides))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}

func renderSubject(subject string, data map[string]string) (string, error) {
	tmpl, err := texttemplate.New("subject").Option("missingkey=zero").Parse(subject)
	if err != nil {
		return "", fmt.Errorf("failed to parse subject: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render subject: %w", err)
	}
	return strings.TrimSpace(buf.String()), nil
}

func renderHTML(body string, data map[string]string) (string, error) {
	tmpl, err := htmltemplate.New("body").Option("missingkey=zero").Parse(body)
	if err != nil {
		return "", fmt.Errorf("failed to parse template body: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render template body: %w", err)
	}
	return buf.String(), nil
}

func renderMarkdown(body string, data map[string]string) (string, error) {
	tmpl, err := texttemplate.New("body").Option("missingkey=zero").Parse(body)
	if err != nil {
		return "", fmt.Errorf("failed to parse template body: %w", err)
	}
	var src bytes.Buffer
	if err := tmpl.Execute(&src, data); err != nil {
		return "", fmt.Errorf("failed to render template body: %w", err)
	}

	var out bytes.Buffer
	if err := markdown.Convert(src.Bytes(), &out); err != nil {
		return "", fmt.Errorf("failed to convert markdown: %w", err)
	}
	return out.String(), nil
}
