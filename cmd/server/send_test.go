package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadRecipients(t *testing.T) {
	in := strings.NewReader("a@example.com\n\n# skipped\n  b@example.com  \n")

	got, err := readRecipients(in)
	require.NoError(t, err)
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, got)
}

func TestFormatFromPath(t *testing.T) {
	assert.Equal(t, "markdown", formatFromPath("welcome.md"))
	assert.Equal(t, "markdown", formatFromPath("WELCOME.Markdown"))
	assert.Equal(t, "html", formatFromPath("welcome.html"))
	assert.Equal(t, "html", formatFromPath("welcome"))
}

func TestSendCommand(t *testing.T) {
	dir := t.TempDir()
	tplPath := filepath.Join(dir, "welcome.md")
	require.NoError(t, os.WriteFile(tplPath, []byte("# Hello {{.name}}"), 0o600))

	t.Setenv("MAILER_DRIVER", "noop")
	t.Setenv("LOG_LEVEL", "error")

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetIn(strings.NewReader("a@example.com\nb@example.com\n"))
	rootCmd.SetArgs([]string{
		"send",
		"--env-file", filepath.Join(dir, "missing.env"),
		"--template", tplPath,
		"--subject", "Hi",
		"--recipients", "-",
		"--var", "name=Ada",
		"--delay-ms", "0",
	})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "progress: 2/2 sent, 0 failed")
}

func TestSendCommandRejectsEmptyRecipients(t *testing.T) {
	dir := t.TempDir()
	tplPath := filepath.Join(dir, "welcome.html")
	require.NoError(t, os.WriteFile(tplPath, []byte("<p>Hello</p>"), 0o600))

	t.Setenv("MAILER_DRIVER", "noop")
	t.Setenv("LOG_LEVEL", "error")

	rootCmd.SetOut(&bytes.Buffer{})
	rootCmd.SetIn(strings.NewReader("# nobody\n"))
	rootCmd.SetArgs([]string{
		"send",
		"--env-file", filepath.Join(dir, "missing.env"),
		"--template", tplPath,
		"--recipients", "-",
	})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	err := rootCmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no recipients")
}
