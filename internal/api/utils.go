package api

import (
	"strings"
	"time"

	"github.com/georgeshao/mail-dam/internal/storage"
	"github.com/georgeshao/mail-dam/pkg/types"
)

func recordToTemplate(record *storage.TemplateRecord) types.Template {
	return types.Template{
		ID:          record.ID,
		Name:        record.Name,
		Description: record.Description,
		Subject:     record.Subject,
		Body:        record.Body,
		Format:      record.Format,
		Variables:   record.Variables,
		CreatedAt:   record.CreatedAt.Format(time.RFC3339),
		UpdatedAt:   record.UpdatedAt.Format(time.RFC3339),
	}
}

func recordToDispatch(record *storage.RunRecord) types.Dispatch {
	d := types.Dispatch{
		ID:         record.ID,
		TemplateID: record.TemplateID,
		Status:     record.Status,
		Progress: types.Progress{
			Total:  record.Total,
			Sent:   record.Sent,
			Failed: record.Failed,
		},
		Error:     record.Error,
		CreatedAt: record.CreatedAt.Format(time.RFC3339Nano),
	}

	if record.CompletedAt != nil {
		completedAt := record.CompletedAt.Format(time.RFC3339Nano)
		d.CompletedAt = &completedAt
	}

	return d
}

func recordToResult(record *storage.ResultRecord) types.Result {
	r := types.Result{
		Email:   record.Email,
		Success: record.Success,
	}
	if record.Error != nil {
		r.Error = *record.Error
	}
	if record.MessageID != nil {
		r.MessageID = *record.MessageID
	}
	return r
}

func isKnownStatus(status types.RunStatus) bool {
	for _, s := range storage.RunStatuses {
		if s == status {
			return true
		}
	}
	return false
}

// A run cursor is "<created_at RFC3339Nano>,<run id>". A bare timestamp is
// accepted and resumes after every run created at that instant.
func encodeCursor(run *storage.RunRecord) string {
	return run.CreatedAt.UTC().Format(time.RFC3339Nano) + "," + run.ID
}

func parseCursor(cursor string) (time.Time, string, error) {
	ts, id, _ := strings.Cut(cursor, ",")
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return time.Time{}, "", err
	}
	return t, id, nil
}
