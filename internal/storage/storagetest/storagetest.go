// Package storagetest holds the behaviour every storage.Store backend must
// share. Backends call Run from their own tests.
package storagetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/georgeshao/mail-dam/internal/storage"
	"github.com/georgeshao/mail-dam/pkg/types"
)

// Factory returns a fresh, empty store. Cleanup is the factory's job.
type Factory func(t *testing.T) storage.Store

func Run(t *testing.T, newStore Factory) {
	t.Run("TemplateCRUD", func(t *testing.T) { testTemplateCRUD(t, newStore(t)) })
	t.Run("RunLifecycle", func(t *testing.T) { testRunLifecycle(t, newStore(t)) })
	t.Run("ListRunsFilterAndCursor", func(t *testing.T) { testListRuns(t, newStore(t)) })
	t.Run("ListRunsSharedTimestamp", func(t *testing.T) { testListRunsSharedTimestamp(t, newStore(t)) })
	t.Run("ResultsOrdered", func(t *testing.T) { testResults(t, newStore(t)) })
	t.Run("TemplateStats", func(t *testing.T) { testTemplateStats(t, newStore(t)) })
	t.Run("DeleteTemplateCascades", func(t *testing.T) { testDeleteCascade(t, newStore(t)) })
	t.Run("MissingRows", func(t *testing.T) { testMissing(t, newStore(t)) })
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTemplate(id, name string) *storage.TemplateRecord {
	return &storage.TemplateRecord{
		ID:        id,
		Name:      name,
		Subject:   "Hello {{.name}}",
		Body:      "<p>Hi {{.name}}</p>",
		Format:    types.FormatHTML,
		Variables: map[string]string{"name": "member"},
		CreatedAt: base,
		UpdatedAt: base,
	}
}

func newRun(id, templateID string, createdAt time.Time) *storage.RunRecord {
	return &storage.RunRecord{
		ID:         id,
		TemplateID: templateID,
		Status:     types.StatusSending,
		Total:      2,
		CreatedAt:  createdAt,
	}
}

func strPtr(s string) *string { return &s }

func testTemplateCRUD(t *testing.T, store storage.Store) {
	ctx := context.Background()

	tpl := newTemplate("tpl_1", "welcome")
	tpl.Description = "first contact"
	require.NoError(t, store.CreateTemplate(ctx, tpl))
	require.NoError(t, store.CreateTemplate(ctx, newTemplate("tpl_2", "agm-notice")))
	assert.ErrorIs(t, store.CreateTemplate(ctx, newTemplate("tpl_3", "welcome")), storage.ErrDuplicateName)

	got, err := store.GetTemplate(ctx, "tpl_1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "welcome", got.Name)
	assert.Equal(t, "first contact", got.Description)
	assert.Equal(t, types.FormatHTML, got.Format)
	assert.Equal(t, map[string]string{"name": "member"}, got.Variables)
	assert.True(t, base.Equal(got.CreatedAt))

	byName, err := store.GetTemplateByName(ctx, "agm-notice")
	require.NoError(t, err)
	require.NotNil(t, byName)
	assert.Equal(t, "tpl_2", byName.ID)

	got.Body = "# Updated"
	got.Format = types.FormatMarkdown
	got.Variables = nil
	got.UpdatedAt = base.Add(time.Hour)
	require.NoError(t, store.UpdateTemplate(ctx, got))

	updated, err := store.GetTemplate(ctx, "tpl_1")
	require.NoError(t, err)
	assert.Equal(t, "# Updated", updated.Body)
	assert.Equal(t, types.FormatMarkdown, updated.Format)
	assert.Empty(t, updated.Variables)
	assert.True(t, base.Add(time.Hour).Equal(updated.UpdatedAt))

	all, err := store.ListTemplates(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "agm-notice", all[0].Name)
	assert.Equal(t, "welcome", all[1].Name)
}

func testRunLifecycle(t *testing.T, store storage.Store) {
	ctx := context.Background()
	require.NoError(t, store.CreateTemplate(ctx, newTemplate("tpl_1", "welcome")))
	require.NoError(t, store.CreateRun(ctx, newRun("disp_1", "tpl_1", base)))

	run, err := store.GetRun(ctx, "disp_1")
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, types.StatusSending, run.Status)
	assert.Equal(t, 2, run.Total)
	assert.Nil(t, run.CompletedAt)

	require.NoError(t, store.UpdateRunProgress(ctx, "disp_1", 1, 1))
	require.NoError(t, store.FinishRun(ctx, "disp_1", types.StatusFailed, strPtr("dispatch failed:\nb@x.com: rate limited")))

	run, err = store.GetRun(ctx, "disp_1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, run.Status)
	assert.Equal(t, 1, run.Sent)
	assert.Equal(t, 1, run.Failed)
	require.NotNil(t, run.Error)
	assert.Contains(t, *run.Error, "b@x.com")
	assert.NotNil(t, run.CompletedAt)
}

func testListRuns(t *testing.T, store storage.Store) {
	ctx := context.Background()
	require.NoError(t, store.CreateTemplate(ctx, newTemplate("tpl_1", "welcome")))
	require.NoError(t, store.CreateTemplate(ctx, newTemplate("tpl_2", "reminder")))

	for i := 0; i < 5; i++ {
		templateID := "tpl_1"
		if i%2 == 1 {
			templateID = "tpl_2"
		}
		id := fmt.Sprintf("disp_%d", i)
		require.NoError(t, store.CreateRun(ctx, newRun(id, templateID, base.Add(time.Duration(i)*time.Second))))
	}
	require.NoError(t, store.FinishRun(ctx, "disp_0", types.StatusSucceeded, nil))

	runs, total, err := store.ListRuns(ctx, storage.RunFilter{})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, runs, 5)
	for i, run := range runs {
		assert.Equal(t, fmt.Sprintf("disp_%d", i), run.ID)
	}

	tpl1 := "tpl_1"
	runs, total, err = store.ListRuns(ctx, storage.RunFilter{TemplateID: &tpl1})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, runs, 3)
	assert.Equal(t, []string{"disp_0", "disp_2", "disp_4"}, runIDs(runs))

	sending := types.StatusSending
	runs, total, err = store.ListRuns(ctx, storage.RunFilter{TemplateID: &tpl1, Status: &sending})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, []string{"disp_2", "disp_4"}, runIDs(runs))

	succeeded := types.StatusSucceeded
	runs, total, err = store.ListRuns(ctx, storage.RunFilter{Status: &succeeded})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, []string{"disp_0"}, runIDs(runs))

	page, total, err := store.ListRuns(ctx, storage.RunFilter{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Equal(t, []string{"disp_0", "disp_1"}, runIDs(page))

	cursor := page[len(page)-1].CreatedAt
	page, total, err = store.ListRuns(ctx, storage.RunFilter{Limit: 2, Cursor: &cursor})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Equal(t, []string{"disp_2", "disp_3"}, runIDs(page))
}

func testListRunsSharedTimestamp(t *testing.T, store storage.Store) {
	ctx := context.Background()
	require.NoError(t, store.CreateTemplate(ctx, newTemplate("tpl_1", "welcome")))
	for _, id := range []string{"disp_a", "disp_b", "disp_c"} {
		require.NoError(t, store.CreateRun(ctx, &storage.RunRecord{
			ID: id, TemplateID: "tpl_1", Status: types.StatusSending, Total: 1, CreatedAt: base,
		}))
	}
	require.NoError(t, store.CreateRun(ctx, &storage.RunRecord{
		ID: "disp_0", TemplateID: "tpl_1", Status: types.StatusSending, Total: 1, CreatedAt: base.Add(time.Second),
	}))

	page, _, err := store.ListRuns(ctx, storage.RunFilter{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"disp_a", "disp_b"}, runIDs(page))

	last := page[len(page)-1]
	page, total, err := store.ListRuns(ctx, storage.RunFilter{Limit: 2, Cursor: &last.CreatedAt, CursorID: last.ID})
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	assert.Equal(t, []string{"disp_c", "disp_0"}, runIDs(page))

	page, _, err = store.ListRuns(ctx, storage.RunFilter{Cursor: &last.CreatedAt})
	require.NoError(t, err)
	assert.Equal(t, []string{"disp_0"}, runIDs(page))
}

func testResults(t *testing.T, store storage.Store) {
	ctx := context.Background()
	require.NoError(t, store.CreateTemplate(ctx, newTemplate("tpl_1", "welcome")))
	require.NoError(t, store.CreateRun(ctx, newRun("disp_1", "tpl_1", base)))

	require.NoError(t, store.AppendResults(ctx, "disp_1", []*storage.ResultRecord{
		{RunID: "disp_1", Seq: 0, Email: "a@x.com", Success: true, MessageID: strPtr("m-1"), CreatedAt: base},
	}))
	require.NoError(t, store.AppendResults(ctx, "disp_1", []*storage.ResultRecord{
		{RunID: "disp_1", Seq: 1, Email: "b@x.com", Error: strPtr("rate limited"), CreatedAt: base},
		{RunID: "disp_1", Seq: 2, Email: "c@x.com", Success: true, CreatedAt: base},
	}))
	require.NoError(t, store.AppendResults(ctx, "disp_1", nil))

	results, err := store.ListResults(ctx, "disp_1")
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "a@x.com", results[0].Email)
	assert.True(t, results[0].Success)
	require.NotNil(t, results[0].MessageID)
	assert.Equal(t, "m-1", *results[0].MessageID)
	assert.Equal(t, "b@x.com", results[1].Email)
	assert.False(t, results[1].Success)
	require.NotNil(t, results[1].Error)
	assert.Equal(t, "rate limited", *results[1].Error)
	assert.Equal(t, 2, results[2].Seq)

	none, err := store.ListResults(ctx, "disp_unknown")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testTemplateStats(t *testing.T, store storage.Store) {
	ctx := context.Background()
	require.NoError(t, store.CreateTemplate(ctx, newTemplate("tpl_1", "welcome")))

	for i, status := range []types.RunStatus{
		types.StatusSucceeded, types.StatusSucceeded, types.StatusFailed, types.StatusCancelled, types.StatusSending,
	} {
		id := fmt.Sprintf("disp_%d", i)
		require.NoError(t, store.CreateRun(ctx, newRun(id, "tpl_1", base.Add(time.Duration(i)*time.Second))))
		if status != types.StatusSending {
			require.NoError(t, store.FinishRun(ctx, id, status, nil))
		}
	}

	stats, err := store.GetTemplateStats(ctx, "tpl_1")
	require.NoError(t, err)
	assert.Equal(t, &types.TemplateStats{TotalRuns: 5, Sending: 1, Succeeded: 2, Failed: 1, Cancelled: 1}, stats)

	empty, err := store.GetTemplateStats(ctx, "tpl_none")
	require.NoError(t, err)
	assert.Equal(t, &types.TemplateStats{}, empty)
}

func testDeleteCascade(t *testing.T, store storage.Store) {
	ctx := context.Background()
	require.NoError(t, store.CreateTemplate(ctx, newTemplate("tpl_1", "welcome")))
	require.NoError(t, store.CreateTemplate(ctx, newTemplate("tpl_2", "reminder")))
	require.NoError(t, store.CreateRun(ctx, newRun("disp_1", "tpl_1", base)))
	require.NoError(t, store.CreateRun(ctx, newRun("disp_2", "tpl_1", base.Add(time.Second))))
	require.NoError(t, store.CreateRun(ctx, newRun("disp_3", "tpl_2", base.Add(2*time.Second))))
	require.NoError(t, store.AppendResults(ctx, "disp_1", []*storage.ResultRecord{
		{RunID: "disp_1", Seq: 0, Email: "a@x.com", Success: true, CreatedAt: base},
	}))

	deleted, err := store.DeleteTemplate(ctx, "tpl_1")
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	tpl, err := store.GetTemplate(ctx, "tpl_1")
	require.NoError(t, err)
	assert.Nil(t, tpl)

	run, err := store.GetRun(ctx, "disp_1")
	require.NoError(t, err)
	assert.Nil(t, run)

	results, err := store.ListResults(ctx, "disp_1")
	require.NoError(t, err)
	assert.Empty(t, results)

	runs, total, err := store.ListRuns(ctx, storage.RunFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, []string{"disp_3"}, runIDs(runs))

	// name is free again
	require.NoError(t, store.CreateTemplate(ctx, newTemplate("tpl_3", "welcome")))
}

func testMissing(t *testing.T, store storage.Store) {
	ctx := context.Background()

	tpl, err := store.GetTemplate(ctx, "tpl_missing")
	require.NoError(t, err)
	assert.Nil(t, tpl)

	tpl, err = store.GetTemplateByName(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, tpl)

	run, err := store.GetRun(ctx, "disp_missing")
	require.NoError(t, err)
	assert.Nil(t, run)

	assert.ErrorIs(t, store.UpdateTemplate(ctx, newTemplate("tpl_missing", "x")), storage.ErrNotFound)
	assert.ErrorIs(t, store.UpdateRunProgress(ctx, "disp_missing", 1, 0), storage.ErrNotFound)
	assert.ErrorIs(t, store.FinishRun(ctx, "disp_missing", types.StatusSucceeded, nil), storage.ErrNotFound)
}

func runIDs(runs []*storage.RunRecord) []string {
	ids := make([]string, len(runs))
	for i, r := range runs {
		ids[i] = r.ID
	}
	return ids
}
