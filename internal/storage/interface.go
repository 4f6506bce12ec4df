package storage

import (
	"context"

	"github.com/georgeshao/mail-dam/pkg/types"
)

// Store persists message templates, dispatch runs and per-recipient results.
// Lookups of missing rows return (nil, nil).
type Store interface {
	CreateTemplate(ctx context.Context, tpl *TemplateRecord) error
	GetTemplate(ctx context.Context, id string) (*TemplateRecord, error)
	GetTemplateByName(ctx context.Context, name string) (*TemplateRecord, error)
	UpdateTemplate(ctx context.Context, tpl *TemplateRecord) error
	DeleteTemplate(ctx context.Context, id string) (deletedRuns int, err error)
	ListTemplates(ctx context.Context) ([]*TemplateRecord, error)
	GetTemplateStats(ctx context.Context, id string) (*types.TemplateStats, error)

	CreateRun(ctx context.Context, run *RunRecord) error
	GetRun(ctx context.Context, id string) (*RunRecord, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*RunRecord, int, error)
	UpdateRunProgress(ctx context.Context, id string, sent, failed int) error
	FinishRun(ctx context.Context, id string, status types.RunStatus, errMsg *string) error

	AppendResults(ctx context.Context, runID string, results []*ResultRecord) error
	ListResults(ctx context.Context, runID string) ([]*ResultRecord, error)

	Close() error
}
