package render

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderHTML(t *testing.T) {
	tpl := Template{
		ID:        "tpl_1",
		Subject:   "Practice moved for {{.team}}",
		Body:      `<p>Hi {{.name}}, practice is at {{.time}}.</p>`,
		Format:    FormatHTML,
		Variables: map[string]string{"team": "U10", "time": "5pm"},
	}

	out, err := Render(tpl, map[string]string{"name": "Sam & Alex", "time": "6pm"})
	require.NoError(t, err)

	assert.Equal(t, "Practice moved for U10", out.Subject)
	assert.Contains(t, out.HTML, "<!DOCTYPE html>")
	assert.Contains(t, out.HTML, "<title>Practice moved for U10</title>")
	assert.Contains(t, out.HTML, "<p>Hi Sam &amp; Alex, practice is at 6pm.</p>")
}

func TestRenderMissingVariableIsBlank(t *testing.T) {
	out, err := Render(Template{Subject: "Hi", Body: "<p>[{{.missing}}]</p>"}, nil)
	require.NoError(t, err)
	assert.Contains(t, out.HTML, "<p>[]</p>")
}

func TestRenderMarkdown(t *testing.T) {
	tpl := Template{
		Subject: "Registration",
		Body:    "# Welcome {{.name}}\n\nRegistration closes **Friday**.",
		Format:  FormatMarkdown,
	}

	out, err := Render(tpl, map[string]string{"name": "Jordan"})
	require.NoError(t, err)
	assert.Contains(t, out.HTML, "<h1>Welcome Jordan</h1>")
	assert.Contains(t, out.HTML, "<strong>Friday</strong>")
}

func TestRenderEmptyTemplate(t *testing.T) {
	_, err := Render(Template{Subject: "Hi", Body: "   \n"}, nil)
	assert.ErrorIs(t, err, ErrEmptyTemplate)
}

func TestRenderBadSyntax(t *testing.T) {
	_, err := Render(Template{Subject: "Hi", Body: "<p>{{.name</p>"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse template body")
}

func TestValidateFormat(t *testing.T) {
	assert.NoError(t, Validate(Template{Body: "x"}))
	assert.NoError(t, Validate(Template{Body: "x", Format: FormatMarkdown}))
	assert.Error(t, Validate(Template{Body: "x", Format: "pdf"}))
}

func TestMergeVariables(t *testing.T) {
	defaults := map[string]string{"a": "1", "b": "2"}
	merged := MergeVariables(defaults, map[string]string{"b": "3", "c": "4"})

	assert.Equal(t, map[string]string{"a": "1", "b": "3", "c": "4"}, merged)
	assert.Equal(t, "2", defaults["b"])
}
