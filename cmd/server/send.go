package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/georgeshao/mail-dam/internal/dispatcher"
	"github.com/georgeshao/mail-dam/internal/logger"
	"github.com/georgeshao/mail-dam/internal/mailer"
	"github.com/georgeshao/mail-dam/internal/render"
	"github.com/georgeshao/mail-dam/pkg/types"
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send a template to a recipient list and wait for the outcome",
	Long: "Render a template file and dispatch it to every address in a recipients file " +
		"(one per line, '#' starts a comment). Progress is printed after every chunk.",
	RunE: runSend,
}

func init() {
	sendCmd.Flags().String("template", "", "Path to the template body (.md files are rendered as markdown)")
	sendCmd.Flags().String("subject", "", "Message subject, may reference variables")
	sendCmd.Flags().String("format", "", "Body format: html or markdown (default from file extension)")
	sendCmd.Flags().String("recipients", "", "Path to the recipients file, - for stdin")
	sendCmd.Flags().StringToString("var", nil, "Template variable as key=value (repeatable)")
	sendCmd.Flags().Int("batch-size", 0, "Recipients per send call")
	sendCmd.Flags().Int("delay-ms", 0, "Pause between send calls in milliseconds")
	sendCmd.Flags().Int("max-retries", 0, "Attempts per chunk")
	_ = sendCmd.MarkFlagRequired("template")
	_ = sendCmd.MarkFlagRequired("recipients")
}

func runSend(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	tpl, err := templateFromFlags(cmd)
	if err != nil {
		return err
	}

	recipientsPath, _ := cmd.Flags().GetString("recipients")
	recipients, err := loadRecipients(cmd, recipientsPath)
	if err != nil {
		return err
	}

	opts, err := dispatcher.ApplyOptions(cfg.Dispatcher().Options(), optionsFromFlags(cmd))
	if err != nil {
		return err
	}
	vars, _ := cmd.Flags().GetStringToString("var")

	sender, err := mailer.New(cfg.Mailer(), log)
	if err != nil {
		return fmt.Errorf("failed to initialize mailer: %w", err)
	}
	d := dispatcher.New(sender, cfg.Dispatcher(), dispatcher.WithLogger(log))

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	report, err := d.Dispatch(ctx, dispatcher.Request{
		Template:   tpl,
		Recipients: recipients,
		Variables:  vars,
		Options:    &opts,
	}, func(p dispatcher.Progress, chunk []mailer.Result) {
		for _, r := range chunk {
			if !r.Success {
				fmt.Fprintf(out, "  failed %s: %s\n", r.Email, r.Error)
			}
		}
		fmt.Fprintf(out, "progress: %d/%d sent, %d failed\n", p.Sent, p.Total, p.Failed)
	})
	if report == nil {
		return err
	}

	log.Info("dispatch finished",
		zap.Int("total", report.Progress.Total),
		zap.Int("sent", report.Progress.Sent),
		zap.Int("failed", report.Progress.Failed),
	)
	return err
}

func templateFromFlags(cmd *cobra.Command) (render.Template, error) {
	path, _ := cmd.Flags().GetString("template")
	subject, _ := cmd.Flags().GetString("subject")
	format, _ := cmd.Flags().GetString("format")

	body, err := os.ReadFile(path)
	if err != nil {
		return render.Template{}, fmt.Errorf("reading template: %w", err)
	}
	if format == "" {
		format = formatFromPath(path)
	}

	return render.Template{
		ID:      strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		Subject: subject,
		Body:    string(body),
		Format:  format,
	}, nil
}

func formatFromPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown":
		return render.FormatMarkdown
	default:
		return render.FormatHTML
	}
}

func optionsFromFlags(cmd *cobra.Command) *types.DispatchOptions {
	var o types.DispatchOptions
	intFlag := func(name string) *int {
		if !cmd.Flags().Changed(name) {
			return nil
		}
		v, _ := cmd.Flags().GetInt(name)
		return &v
	}
	o.BatchSize = intFlag("batch-size")
	o.DelayMs = intFlag("delay-ms")
	o.MaxRetries = intFlag("max-retries")
	return &o
}

func loadRecipients(cmd *cobra.Command, path string) ([]string, error) {
	if path == "-" {
		return readRecipients(cmd.InOrStdin())
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening recipients: %w", err)
	}
	defer f.Close()
	return readRecipients(f)
}

// readRecipients returns one address per non-blank line, skipping comments.
func readRecipients(r io.Reader) ([]string, error) {
	var recipients []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		recipients = append(recipients, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading recipients: %w", err)
	}
	return recipients, nil
}
