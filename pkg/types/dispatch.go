package types

type RunStatus string

const (
	StatusSending   RunStatus = "sending"
	StatusSucceeded RunStatus = "succeeded"
	StatusFailed    RunStatus = "failed"
	StatusCancelled RunStatus = "cancelled"
)

// Phase is the coarse state shown by the status banner.
type Phase string

const (
	PhaseIdle    Phase = "idle"
	PhaseSending Phase = "sending"
	PhaseSuccess Phase = "success"
	PhaseError   Phase = "error"
)

type DispatchOptions struct {
	BatchSize        *int `json:"batch_size,omitempty"`
	DelayMs          *int `json:"delay_ms,omitempty"`
	MaxRetries       *int `json:"max_retries,omitempty"`
	RetryBaseDelayMs *int `json:"retry_base_delay_ms,omitempty"`
}

type DispatchRequest struct {
	TemplateID string            `json:"template_id"`
	Recipients []string          `json:"recipients"`
	Variables  map[string]string `json:"variables,omitempty"`
	Options    *DispatchOptions  `json:"options,omitempty"`
}

type Progress struct {
	Total  int `json:"total"`
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
}

type Dispatch struct {
	ID          string    `json:"id"`
	TemplateID  string    `json:"template_id"`
	Status      RunStatus `json:"status"`
	Progress    Progress  `json:"progress"`
	Error       *string   `json:"error,omitempty"`
	CreatedAt   string    `json:"created_at"`
	CompletedAt *string   `json:"completed_at,omitempty"`
}

type ListDispatchesResponse struct {
	Dispatches []Dispatch `json:"dispatches"`
	Total      int        `json:"total"`
	Limit      int        `json:"limit"`
	NextCursor *string    `json:"next_cursor,omitempty"`
}

type StatusResponse struct {
	Phase      Phase  `json:"phase"`
	DispatchID string `json:"dispatch_id,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
