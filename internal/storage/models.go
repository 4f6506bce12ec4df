package storage

import (
	"errors"
	"time"

	"github.com/georgeshao/mail-dam/pkg/types"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrDuplicateName = errors.New("template name already exists")
)

type TemplateRecord struct {
	ID          string
	Name        string
	Description string
	Subject     string
	Body        string
	Format      types.TemplateFormat
	Variables   map[string]string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type RunRecord struct {
	ID          string
	TemplateID  string
	Status      types.RunStatus
	Total       int
	Sent        int
	Failed      int
	Error       *string
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// ResultRecord is the outcome for one recipient. Seq is the recipient's
// position in the run's recipient list.
type ResultRecord struct {
	RunID     string
	Seq       int
	Email     string
	Success   bool
	Error     *string
	MessageID *string
	CreatedAt time.Time
}

type RunFilter struct {
	TemplateID *string
	Status     *types.RunStatus

	// Cursor resumes after the run created at Cursor with ID CursorID. An
	// empty CursorID skips every run created at Cursor.
	Cursor   *time.Time
	CursorID string
	Limit    int
}

// RunStatuses lists every status a run can be in.
var RunStatuses = []types.RunStatus{
	types.StatusSending,
	types.StatusSucceeded,
	types.StatusFailed,
	types.StatusCancelled,
}
