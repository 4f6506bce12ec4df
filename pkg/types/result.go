package types

type Result struct {
	Email     string `json:"email"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	MessageID string `json:"message_id,omitempty"`
}

type ListResultsResponse struct {
	DispatchID string   `json:"dispatch_id"`
	Results    []Result `json:"results"`
}
