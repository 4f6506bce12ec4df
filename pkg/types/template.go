package types

type TemplateFormat string

const (
	FormatHTML     TemplateFormat = "html"
	FormatMarkdown TemplateFormat = "markdown"
)

type Template struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Subject     string            `json:"subject"`
	Body        string            `json:"body"`
	Format      TemplateFormat    `json:"format"`
	Variables   map[string]string `json:"variables,omitempty"`
	Stats       *TemplateStats    `json:"stats,omitempty"`
	CreatedAt   string            `json:"created_at"`
	UpdatedAt   string            `json:"updated_at"`
}

type TemplateStats struct {
	TotalRuns int `json:"total_runs"`
	Sending   int `json:"sending"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

type CreateTemplateRequest struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Subject     string            `json:"subject"`
	Body        string            `json:"body"`
	Format      TemplateFormat    `json:"format,omitempty"`
	Variables   map[string]string `json:"variables,omitempty"`
}

type UpdateTemplateRequest struct {
	Description *string           `json:"description,omitempty"`
	Subject     *string           `json:"subject,omitempty"`
	Body        *string           `json:"body,omitempty"`
	Format      *TemplateFormat   `json:"format,omitempty"`
	Variables   map[string]string `json:"variables,omitempty"`
}

type DeleteTemplateResponse struct {
	Message     string `json:"message"`
	DeletedRuns int    `json:"deleted_runs"`
}

type PreviewRequest struct {
	Variables map[string]string `json:"variables,omitempty"`
}

type PreviewResponse struct {
	Subject string `json:"subject"`
	HTML    string `json:"html"`
}
