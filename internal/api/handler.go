package api

import (
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/georgeshao/mail-dam/internal/dispatcher"
	"github.com/georgeshao/mail-dam/internal/render"
	"github.com/georgeshao/mail-dam/internal/storage"
	"github.com/georgeshao/mail-dam/pkg/types"
)

const maxListLimit = 1000

type Handler struct {
	store   storage.Store
	manager *dispatcher.Manager
	logger  *zap.Logger
}

func NewHandler(store storage.Store, manager *dispatcher.Manager, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		store:   store,
		manager: manager,
		logger:  logger,
	}
}

func (h *Handler) CreateTemplate(c *fiber.Ctx) error {
	var req types.CreateTemplateRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(types.ErrorResponse{Error: "Invalid request body"})
	}

	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return c.Status(fiber.StatusBadRequest).JSON(types.ErrorResponse{Error: "Name is required"})
	}
	if req.Format == "" {
		req.Format = types.FormatHTML
	}

	existing, err := h.store.GetTemplateByName(c.Context(), req.Name)
	if err != nil {
		return h.internalError(c, "Failed to check template", err)
	}
	if existing != nil {
		return c.Status(fiber.StatusConflict).JSON(types.ErrorResponse{Error: "Template already exists"})
	}

	now := time.Now().UTC()
	record := &storage.TemplateRecord{
		ID:          "tpl_" + uuid.New().String(),
		Name:        req.Name,
		Description: req.Description,
		Subject:     req.Subject,
		Body:        req.Body,
		Format:      req.Format,
		Variables:   req.Variables,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := checkTemplate(record); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(types.ErrorResponse{Error: err.Error()})
	}

	if err := h.store.CreateTemplate(c.Context(), record); err != nil {
		if errors.Is(err, storage.ErrDuplicateName) {
			return c.Status(fiber.StatusConflict).JSON(types.ErrorResponse{Error: "Template already exists"})
		}
		return h.internalError(c, "Failed to create template", err)
	}

	return c.Status(fiber.StatusCreated).JSON(recordToTemplate(record))
}

func (h *Handler) GetTemplate(c *fiber.Ctx) error {
	record, err := h.store.GetTemplate(c.Context(), c.Params("id"))
	if err != nil {
		return h.internalError(c, "Failed to get template", err)
	}
	if record == nil {
		return c.Status(fiber.StatusNotFound).JSON(types.ErrorResponse{Error: "Template not found"})
	}

	stats, err := h.store.GetTemplateStats(c.Context(), record.ID)
	if err != nil {
		return h.internalError(c, "Failed to get template stats", err)
	}

	resp := recordToTemplate(record)
	resp.Stats = stats
	return c.JSON(resp)
}

func (h *Handler) ListTemplates(c *fiber.Ctx) error {
	records, err := h.store.ListTemplates(c.Context())
	if err != nil {
		return h.internalError(c, "Failed to list templates", err)
	}

	templates := make([]types.Template, len(records))
	for i, record := range records {
		templates[i] = recordToTemplate(record)
	}

	return c.JSON(fiber.Map{"templates": templates})
}

func (h *Handler) UpdateTemplate(c *fiber.Ctx) error {
	record, err := h.store.GetTemplate(c.Context(), c.Params("id"))
	if err != nil {
		return h.internalError(c, "Failed to get template", err)
	}
	if record == nil {
		return c.Status(fiber.StatusNotFound).JSON(types.ErrorResponse{Error: "Template not found"})
	}

	var req types.UpdateTemplateRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(types.ErrorResponse{Error: "Invalid request body"})
	}

	if req.Description != nil {
		record.Description = *req.Description
	}
	if req.Subject != nil {
		record.Subject = *req.Subject
	}
	if req.Body != nil {
		record.Body = *req.Body
	}
	if req.Format != nil {
		record.Format = *req.Format
	}
	if req.Variables != nil {
		record.Variables = req.Variables
	}
	record.UpdatedAt = time.Now().UTC()

	if err := checkTemplate(record); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(types.ErrorResponse{Error: err.Error()})
	}

	if err := h.store.UpdateTemplate(c.Context(), record); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(types.ErrorResponse{Error: "Template not found"})
		}
		return h.internalError(c, "Failed to update template", err)
	}

	return c.JSON(recordToTemplate(record))
}

func (h *Handler) DeleteTemplate(c *fiber.Ctx) error {
	deletedRuns, err := h.manager.DeleteTemplate(c.Context(), c.Params("id"))
	switch {
	case err == nil:
	case errors.Is(err, dispatcher.ErrTemplateNotFound):
		return c.Status(fiber.StatusNotFound).JSON(types.ErrorResponse{Error: "Template not found"})
	case errors.Is(err, dispatcher.ErrDispatchInProgress):
		return c.Status(fiber.StatusConflict).JSON(types.ErrorResponse{Error: "Template has a dispatch in progress"})
	default:
		return h.internalError(c, "Failed to delete template", err)
	}

	return c.JSON(types.DeleteTemplateResponse{
		Message:     "Template deleted",
		DeletedRuns: deletedRuns,
	})
}

func (h *Handler) PreviewTemplate(c *fiber.Ctx) error {
	record, err := h.store.GetTemplate(c.Context(), c.Params("id"))
	if err != nil {
		return h.internalError(c, "Failed to get template", err)
	}
	if record == nil {
		return c.Status(fiber.StatusNotFound).JSON(types.ErrorResponse{Error: "Template not found"})
	}

	var req types.PreviewRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(types.ErrorResponse{Error: "Invalid request body"})
		}
	}

	rendered, err := render.Render(dispatcher.TemplateFromRecord(record), req.Variables)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(types.ErrorResponse{Error: err.Error()})
	}

	return c.JSON(types.PreviewResponse{Subject: rendered.Subject, HTML: rendered.HTML})
}

func (h *Handler) StartDispatch(c *fiber.Ctx) error {
	var req types.DispatchRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(types.ErrorResponse{Error: "Invalid request body"})
	}

	if req.TemplateID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(types.ErrorResponse{Error: "Template ID is required"})
	}

	run, err := h.manager.Start(c.Context(), dispatcher.StartInput{
		TemplateID: req.TemplateID,
		Recipients: req.Recipients,
		Variables:  req.Variables,
		Options:    req.Options,
	})
	switch {
	case err == nil:
	case errors.Is(err, dispatcher.ErrTemplateNotFound):
		return c.Status(fiber.StatusNotFound).JSON(types.ErrorResponse{Error: "Template not found"})
	case errors.Is(err, dispatcher.ErrPrecondition):
		return c.Status(fiber.StatusBadRequest).JSON(types.ErrorResponse{Error: err.Error()})
	case errors.Is(err, dispatcher.ErrDispatchInProgress):
		return c.Status(fiber.StatusConflict).JSON(types.ErrorResponse{Error: "Dispatch already in progress for template"})
	default:
		return h.internalError(c, "Failed to start dispatch", err)
	}

	return c.Status(fiber.StatusAccepted).JSON(recordToDispatch(run))
}

func (h *Handler) GetDispatch(c *fiber.Ctx) error {
	record, err := h.store.GetRun(c.Context(), c.Params("id"))
	if err != nil {
		return h.internalError(c, "Failed to get dispatch", err)
	}
	if record == nil {
		return c.Status(fiber.StatusNotFound).JSON(types.ErrorResponse{Error: "Dispatch not found"})
	}

	return c.JSON(recordToDispatch(record))
}

func (h *Handler) ListDispatches(c *fiber.Ctx) error {
	templateID := c.Query("template_id")
	status := c.Query("status")
	cursor := c.Query("cursor")
	limit := c.QueryInt("limit", 100)

	if limit <= 0 || limit > maxListLimit {
		return c.Status(fiber.StatusBadRequest).JSON(types.ErrorResponse{Error: "Limit must be between 1 and 1000"})
	}

	filter := storage.RunFilter{
		Limit: limit,
	}

	if templateID != "" {
		filter.TemplateID = &templateID
	}
	if status != "" {
		s := types.RunStatus(status)
		if !isKnownStatus(s) {
			return c.Status(fiber.StatusBadRequest).JSON(types.ErrorResponse{Error: "Invalid status"})
		}
		filter.Status = &s
	}
	if cursor != "" {
		t, id, err := parseCursor(cursor)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(types.ErrorResponse{Error: "Invalid cursor format"})
		}
		filter.Cursor = &t
		filter.CursorID = id
	}

	records, total, err := h.store.ListRuns(c.Context(), filter)
	if err != nil {
		return h.internalError(c, "Failed to list dispatches", err)
	}

	dispatches := make([]types.Dispatch, len(records))
	for i, record := range records {
		dispatches[i] = recordToDispatch(record)
	}

	// A full page means there may be more.
	var nextCursor *string
	if len(records) == limit {
		next := encodeCursor(records[len(records)-1])
		nextCursor = &next
	}

	return c.JSON(types.ListDispatchesResponse{
		Dispatches: dispatches,
		Total:      total,
		Limit:      limit,
		NextCursor: nextCursor,
	})
}

func (h *Handler) ListResults(c *fiber.Ctx) error {
	id := c.Params("id")

	run, err := h.store.GetRun(c.Context(), id)
	if err != nil {
		return h.internalError(c, "Failed to get dispatch", err)
	}
	if run == nil {
		return c.Status(fiber.StatusNotFound).JSON(types.ErrorResponse{Error: "Dispatch not found"})
	}

	records, err := h.store.ListResults(c.Context(), id)
	if err != nil {
		return h.internalError(c, "Failed to list results", err)
	}

	results := make([]types.Result, len(records))
	for i, record := range records {
		results[i] = recordToResult(record)
	}

	return c.JSON(types.ListResultsResponse{
		DispatchID: id,
		Results:    results,
	})
}

func (h *Handler) CancelDispatch(c *fiber.Ctx) error {
	id := c.Params("id")

	err := h.manager.Cancel(id)
	if errors.Is(err, dispatcher.ErrRunNotActive) {
		run, getErr := h.store.GetRun(c.Context(), id)
		if getErr != nil {
			return h.internalError(c, "Failed to get dispatch", getErr)
		}
		if run == nil {
			return c.Status(fiber.StatusNotFound).JSON(types.ErrorResponse{Error: "Dispatch not found"})
		}
		return c.Status(fiber.StatusConflict).JSON(types.ErrorResponse{Error: "Dispatch is not running"})
	}
	if err != nil {
		return h.internalError(c, "Failed to cancel dispatch", err)
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"dispatch_id": id,
		"message":     "Cancellation requested",
	})
}

func (h *Handler) DispatchStatus(c *fiber.Ctx) error {
	phase, runID := h.manager.Phase()
	return c.JSON(types.StatusResponse{Phase: phase, DispatchID: runID})
}

func (h *Handler) internalError(c *fiber.Ctx, msg string, err error) error {
	h.logger.Error(msg, zap.Error(err), zap.String("path", c.Path()))
	return c.Status(fiber.StatusInternalServerError).JSON(types.ErrorResponse{Error: msg})
}

// checkTemplate rejects templates that could never be sent, including ones
// whose subject or body do not parse.
func checkTemplate(record *storage.TemplateRecord) error {
	tpl := dispatcher.TemplateFromRecord(record)
	if err := render.Validate(tpl); err != nil {
		return err
	}
	_, err := render.Render(tpl, nil)
	return err
}
